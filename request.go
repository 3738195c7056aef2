package vfs

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Op names a gateway operation.
type Op string

const (
	OpRealpath  Op = "realpath"
	OpExists    Op = "exists"
	OpStat      Op = "stat"
	OpReaddir   Op = "readdir"
	OpReadfile  Op = "readfile"
	OpWritefile Op = "writefile"
	OpMkdir     Op = "mkdir"
	OpUnlink    Op = "unlink"
	OpTouch     Op = "touch"
	OpSearch    Op = "search"
	OpCopy      Op = "copy"
	OpRename    Op = "rename"
)

var opCapability = map[Op]Capability{
	OpRealpath:  CapRealpath,
	OpExists:    CapExists,
	OpStat:      CapStat,
	OpReaddir:   CapReaddir,
	OpReadfile:  CapReadfile,
	OpWritefile: CapWritefile,
	OpMkdir:     CapMkdir,
	OpUnlink:    CapUnlink,
	OpTouch:     CapTouch,
	OpSearch:    CapSearch,
	OpCopy:      CapCopy,
	OpRename:    CapRename,
}

// Ops lists every operation in routing order.
var Ops = []Op{
	OpRealpath, OpExists, OpStat, OpReaddir, OpReadfile,
	OpWritefile, OpRename, OpCopy, OpMkdir, OpUnlink, OpTouch, OpSearch,
}

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if _, ok := opCapability[op]; !ok {
		return "", fmt.Errorf("%w: unknown operation %q", ErrValidation, s)
	}
	return op, nil
}

// Capability returns the adapter capability op needs.
func (o Op) Capability() Capability {
	return opCapability[o]
}

// Mutates reports whether op changes storage.
func (o Op) Mutates() bool {
	return o.Capability().Mutates()
}

// Request is one gateway call. Fields carries the positional arguments:
// "path"; "from" and "to"; "root" and "pattern"; plus an optional
// JSON-encoded "options" object.
type Request struct {
	Op     Op
	Fields map[string]string
	Upload io.Reader
	User   *User
	Header http.Header
}

// Response is the shaped result of a call. Exactly one of Body and Value
// is meaningful: Body for readfile, Value for everything else.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Value  any
}

func (r *Request) field(name string) (string, error) {
	v := r.Fields[name]
	if v == "" {
		return "", fmt.Errorf("%w: missing %q", ErrValidation, name)
	}
	return v, nil
}

// parseOptions builds the option bag from the JSON options field and the
// Range header.
func parseOptions(r *Request) (Options, error) {
	opts := Options{Session: r.User}

	if raw := r.Fields["options"]; raw != "" {
		if !gjson.Valid(raw) {
			return opts, fmt.Errorf("%w: options is not valid JSON", ErrValidation)
		}
		parsed := gjson.Parse(raw)
		if !parsed.IsObject() {
			return opts, fmt.Errorf("%w: options must be an object", ErrValidation)
		}
		parsed.ForEach(func(key, value gjson.Result) bool {
			switch key.String() {
			case "download":
				opts.Download = value.Bool()
			default:
				if opts.Extra == nil {
					opts.Extra = make(map[string]any)
				}
				opts.Extra[key.String()] = value.Value()
			}
			return true
		})
	}

	if r.Header != nil {
		if h := r.Header.Get("Range"); h != "" {
			opts.Range = ParseRange(h)
		}
	}
	return opts, nil
}

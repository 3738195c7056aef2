package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
)

func (s *Service) handleTransfer(ctx context.Context, req *Request, opts Options) (*Response, string, error) {
	from, err := req.field("from")
	if err != nil {
		return nil, "", err
	}
	to, err := req.field("to")
	if err != nil {
		return nil, "", err
	}

	src, err := s.registry.Resolve(from, req.User)
	if err != nil {
		return nil, "", err
	}
	dst, err := s.registry.Resolve(to, req.User)
	if err != nil {
		return nil, src.Mount.Name, err
	}

	// a rename removes the source, so the source must be writable too
	srcCap := CapReadfile
	if req.Op == OpRename {
		srcCap = CapRename
	}
	if err := CheckPermission(src.Mount, req.User, srcCap, s.groups); err != nil {
		return nil, src.Mount.Name, err
	}
	if err := CheckPermission(dst.Mount, req.User, CapWritefile|req.Op.Capability(), s.groups); err != nil {
		return nil, dst.Mount.Name, err
	}

	if err := s.Transfer(ctx, req.Op, src, dst, opts); err != nil {
		return nil, src.Mount.Name, err
	}
	return valueResponse(true), src.Mount.Name, nil
}

// Transfer copies or renames src to dst. When both share one adapter
// instance that supports the operation natively, the adapter does the
// work. Otherwise the source is streamed into the destination and, for a
// rename, unlinked only after every write succeeded. Permissions are not
// checked here.
func (s *Service) Transfer(ctx context.Context, op Op, src, dst Target, opts Options) error {
	if op != OpCopy && op != OpRename {
		return fmt.Errorf("%w: %s is not a transfer", ErrValidation, op)
	}

	sa, da := src.Mount.Adapter, dst.Mount.Adapter
	if sa == da && sa.Capabilities().Has(op.Capability()) {
		if op == OpCopy {
			return sa.Copy(ctx, src, dst, opts)
		}
		return sa.Rename(ctx, src, dst, opts)
	}

	if !sa.Capabilities().Has(CapReadfile) {
		return &PathError{Op: string(op), Path: src.Virtual(), Err: ErrUnsupported}
	}
	if !da.Capabilities().Has(CapWritefile) {
		return &PathError{Op: string(op), Path: dst.Virtual(), Err: ErrUnsupported}
	}
	if op == OpRename && !sa.Capabilities().Has(CapUnlink) {
		return &PathError{Op: string(op), Path: src.Virtual(), Err: ErrUnsupported}
	}

	log.Debugw("streaming transfer", "op", op, "from", src.Virtual(), "to", dst.Virtual())

	if err := s.copyTree(ctx, src, dst, opts); err != nil {
		return err
	}

	if op == OpRename {
		if err := sa.Unlink(ctx, src, opts); err != nil {
			return &TransferError{From: src.Virtual(), To: dst.Virtual(), Err: fmt.Errorf("removing source: %w", err)}
		}
	}
	return nil
}

func (s *Service) copyTree(ctx context.Context, src, dst Target, opts Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	sa, da := src.Mount.Adapter, dst.Mount.Adapter

	var info *FileInfo
	if sa.Capabilities().Has(CapStat) {
		fi, err := sa.Stat(ctx, src)
		if err != nil {
			return err
		}
		info = fi
	}

	if info == nil || !info.IsDirectory {
		return copyFile(ctx, src, dst, opts)
	}

	if !sa.Capabilities().Has(CapReaddir) {
		return &PathError{Op: "readdir", Path: src.Virtual(), Err: ErrUnsupported}
	}

	if da.Capabilities().Has(CapMkdir) {
		if err := da.Mkdir(ctx, dst, opts); err != nil && !IsExist(err) {
			return &TransferError{From: src.Virtual(), To: dst.Virtual(), Err: err}
		}
	}

	entries, err := sa.Readdir(ctx, src, opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.copyTree(ctx, src.Child(e.Filename), dst.Child(e.Filename), opts); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(ctx context.Context, src, dst Target, opts Options) error {
	readOpts := opts
	readOpts.Range = nil

	rc, err := src.Mount.Adapter.Readfile(ctx, src, readOpts)
	if err != nil {
		return err
	}
	defer rc.Close()

	cr := &countingReader{r: rc}
	if _, err := dst.Mount.Adapter.Writefile(ctx, dst, cr, opts); err != nil {
		if errors.Is(err, ErrTransfer) {
			return err
		}
		return &TransferError{From: src.Virtual(), To: dst.Virtual(), Partial: cr.n > 0, Err: err}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

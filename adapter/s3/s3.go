package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gobeaver/vfs"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("vfs/s3")

// Client is the subset of the S3 API the adapter uses. *s3.Client
// satisfies it.
type Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Adapter stores files as objects in one bucket. Directories are either
// "dir/" marker objects or implied by the keys below them.
type Adapter struct {
	vfs.Unsupported

	client       Client
	bucket       string
	prefix       string
	pollInterval time.Duration
	mime         *vfs.MimeTypes
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix sets the prefix for S3 objects
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		a.prefix = strings.Trim(prefix, "/")
	}
}

// WithPollInterval sets how often Watch lists the bucket.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithMimeTypes sets the table used for object content types.
func WithMimeTypes(m *vfs.MimeTypes) AdapterOption {
	return func(a *Adapter) {
		a.mime = m
	}
}

// New creates a new S3 adapter
func New(client Client, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:       client,
		bucket:       bucket,
		pollInterval: 30 * time.Second,
	}

	for _, option := range options {
		option(adapter)
	}

	return adapter
}

// Capabilities implements vfs.Adapter
func (a *Adapter) Capabilities() vfs.Capability {
	return vfs.CapAll | vfs.CapWatch | vfs.CapRangedRead
}

// objectKey returns the object key of a target, without leading slash.
// The bucket root is the empty key.
func (a *Adapter) objectKey(t vfs.Target) string {
	return a.keyOf(t.Real())
}

func (a *Adapter) keyOf(addr string) string {
	k := strings.Trim(path.Join(a.prefix, addr), "/")
	if k == "." {
		return ""
	}
	return k
}

func dirKey(k string) string {
	if k == "" {
		return ""
	}
	return k + "/"
}

// Realpath implements vfs.Adapter
func (a *Adapter) Realpath(_ context.Context, t vfs.Target) (string, error) {
	return "s3://" + a.bucket + "/" + a.objectKey(t), nil
}

// Exists implements vfs.Adapter
func (a *Adapter) Exists(ctx context.Context, t vfs.Target) (bool, error) {
	_, err := a.Stat(ctx, t)
	if err != nil {
		if vfs.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat implements vfs.Adapter. The mount root is a directory even before
// any object exists below it.
func (a *Adapter) Stat(ctx context.Context, t vfs.Target) (*vfs.FileInfo, error) {
	key := a.objectKey(t)
	if key == "" || t.Rel == "/" {
		return dirInfo(t, time.Time{}), nil
	}

	resp, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return &vfs.FileInfo{
			Filename: t.Base(),
			Path:     t.Virtual(),
			Size:     aws.ToInt64(resp.ContentLength),
			Mime:     aws.ToString(resp.ContentType),
			Mtime:    aws.ToTime(resp.LastModified),
			IsFile:   true,
		}, nil
	}
	if !isNotFound(err) {
		return nil, mapS3Error("stat", t, err)
	}

	isDir, mtime, err := a.dirExists(ctx, key)
	if err != nil {
		return nil, mapS3Error("stat", t, err)
	}
	if !isDir {
		return nil, &vfs.PathError{Op: "stat", Path: t.Virtual(), Err: vfs.ErrNotExist}
	}
	return dirInfo(t, mtime), nil
}

// dirExists reports whether a marker or any object exists below key.
func (a *Adapter) dirExists(ctx context.Context, key string) (bool, time.Time, error) {
	resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(dirKey(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, time.Time{}, err
	}
	if len(resp.Contents) > 0 {
		obj := resp.Contents[0]
		var mtime time.Time
		if aws.ToString(obj.Key) == dirKey(key) {
			mtime = aws.ToTime(obj.LastModified)
		}
		return true, mtime, nil
	}
	return len(resp.CommonPrefixes) > 0, time.Time{}, nil
}

// Readdir implements vfs.Adapter
func (a *Adapter) Readdir(ctx context.Context, t vfs.Target, _ vfs.Options) ([]vfs.FileInfo, error) {
	key := a.objectKey(t)
	listPrefix := dirKey(key)

	result := []vfs.FileInfo{}
	seen := false

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("readdir", t, err)
		}

		for _, p := range page.CommonPrefixes {
			seen = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), listPrefix), "/")
			if name == "" {
				continue
			}
			result = append(result, *dirInfo(t.Child(name), time.Time{}))
		}

		for _, obj := range page.Contents {
			seen = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			result = append(result, vfs.FileInfo{
				Filename: name,
				Path:     t.Child(name).Virtual(),
				Size:     aws.ToInt64(obj.Size),
				Mtime:    aws.ToTime(obj.LastModified),
				IsFile:   true,
			})
		}
	}

	if !seen && key != "" && t.Rel != "/" {
		info, err := a.Stat(ctx, t)
		if err != nil {
			return nil, err
		}
		if info.IsFile {
			return nil, &vfs.PathError{Op: "readdir", Path: t.Virtual(), Err: vfs.ErrNotDir}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Filename < result[j].Filename
	})
	return result, nil
}

// Readfile implements vfs.Adapter. Ranges are passed to S3 as a Range
// header.
func (a *Adapter) Readfile(ctx context.Context, t vfs.Target, opts vfs.Options) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(t)),
	}
	if r := opts.Range; r != nil {
		if r.End < 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", r.Start))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", r.Start, r.End))
		}
	}

	resp, err := a.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapS3Error("readfile", t, err)
	}
	return resp.Body, nil
}

// Writefile implements vfs.Adapter
func (a *Adapter) Writefile(ctx context.Context, t vfs.Target, content io.Reader, _ vfs.Options) (int64, error) {
	key := a.objectKey(t)
	if key == "" {
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: vfs.ErrIsDir}
	}

	// PutObject needs a known length, so only seekable readers stream
	var body io.Reader
	var contentLength int64 = -1

	switch r := content.(type) {
	case *bytes.Reader:
		contentLength = int64(r.Len())
		body = r
	case *strings.Reader:
		contentLength = int64(r.Len())
		body = r
	case *os.File:
		if info, err := r.Stat(); err == nil {
			pos, _ := r.Seek(0, io.SeekCurrent)
			contentLength = info.Size() - pos
		}
		body = r
	case io.ReadSeeker:
		pos, err := r.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := r.Seek(0, io.SeekEnd)
			if err == nil {
				contentLength = end - pos
				_, _ = r.Seek(pos, io.SeekStart)
			}
		}
		body = r
	default:
		data, err := io.ReadAll(content)
		if err != nil {
			return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: err}
		}
		contentLength = int64(len(data))
		body = bytes.NewReader(data)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(a.mime.Lookup(t.Base())),
	}
	if contentLength >= 0 {
		input.ContentLength = aws.Int64(contentLength)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return -1, mapS3Error("writefile", t, err)
	}
	return contentLength, nil
}

// Mkdir implements vfs.Adapter by writing a directory marker.
func (a *Adapter) Mkdir(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	exists, err := a.Exists(ctx, t)
	if err != nil {
		return err
	}
	if exists {
		return &vfs.PathError{Op: "mkdir", Path: t.Virtual(), Err: vfs.ErrExist}
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(dirKey(a.objectKey(t))),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	if err != nil {
		return mapS3Error("mkdir", t, err)
	}
	return nil
}

// Unlink implements vfs.Adapter. Directories are removed with every
// object below them.
func (a *Adapter) Unlink(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	info, err := a.Stat(ctx, t)
	if err != nil {
		return err
	}

	key := a.objectKey(t)
	if info.IsFile {
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return mapS3Error("unlink", t, err)
		}
		return nil
	}

	if key == "" || t.Rel == "/" {
		return &vfs.PathError{Op: "unlink", Path: t.Virtual(), Err: vfs.ErrPermission}
	}
	keys, err := a.listKeys(ctx, dirKey(key))
	if err != nil {
		return mapS3Error("unlink", t, err)
	}
	if err := a.deleteKeys(ctx, keys); err != nil {
		return mapS3Error("unlink", t, err)
	}
	return nil
}

// Touch implements vfs.Adapter. Existing objects are copied onto
// themselves to refresh their modification time.
func (a *Adapter) Touch(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	info, err := a.Stat(ctx, t)
	if err != nil && !vfs.IsNotExist(err) {
		return err
	}

	key := a.objectKey(t)
	switch {
	case info != nil && info.IsDirectory:
		return nil
	case info != nil:
		_, err = a.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(a.bucket),
			CopySource:        aws.String(a.copySource(key)),
			Key:               aws.String(key),
			MetadataDirective: types.MetadataDirectiveReplace,
			ContentType:       aws.String(info.Mime),
		})
	default:
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
			ContentType:   aws.String(a.mime.Lookup(t.Base())),
		})
	}
	if err != nil {
		return mapS3Error("touch", t, err)
	}
	return nil
}

// Search implements vfs.Adapter
func (a *Adapter) Search(ctx context.Context, t vfs.Target, pattern string, opts vfs.Options) ([]vfs.FileInfo, error) {
	return vfs.SearchTree(ctx, a, t, pattern, opts)
}

// Copy implements vfs.Adapter using server-side CopyObject.
func (a *Adapter) Copy(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	if _, err := a.copyObjects(ctx, from, to); err != nil {
		return err
	}
	return nil
}

// Rename implements vfs.Adapter. S3 has no native move, so this is copy
// followed by delete of the source.
func (a *Adapter) Rename(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	keys, err := a.copyObjects(ctx, from, to)
	if err != nil {
		return err
	}
	if err := a.deleteKeys(ctx, keys); err != nil {
		return mapS3Error("rename", from, err)
	}
	return nil
}

// copyObjects copies a file or a whole prefix and returns the source keys.
func (a *Adapter) copyObjects(ctx context.Context, from, to vfs.Target) ([]string, error) {
	src, dst := a.objectKey(from), a.objectKey(to)
	if src == "" || from.Rel == "/" || src == dst || strings.HasPrefix(dst, src+"/") {
		return nil, &vfs.PathError{Op: "copy", Path: from.Virtual(), Err: vfs.ErrValidation}
	}

	info, err := a.Stat(ctx, from)
	if err != nil {
		return nil, err
	}

	var keys []string
	if info.IsFile {
		keys = []string{src}
	} else {
		keys, err = a.listKeys(ctx, dirKey(src))
		if err != nil {
			return nil, mapS3Error("copy", from, err)
		}
	}

	for _, k := range keys {
		target := dst + strings.TrimPrefix(k, src)
		_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(a.bucket),
			CopySource: aws.String(a.copySource(k)),
			Key:        aws.String(target),
		})
		if err != nil {
			return nil, mapS3Error("copy", from, err)
		}
	}
	return keys, nil
}

// copySource formats "bucket/key" with the key URL-escaped.
func (a *Adapter) copySource(key string) string {
	return a.bucket + "/" + (&url.URL{Path: key}).EscapedPath()
}

func (a *Adapter) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// deleteKeys removes keys in batches of the DeleteObjects limit.
func (a *Adapter) deleteKeys(ctx context.Context, keys []string) error {
	const batch = 1000
	for len(keys) > 0 {
		n := min(len(keys), batch)
		objects := make([]types.ObjectIdentifier, n)
		for i, k := range keys[:n] {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func dirInfo(t vfs.Target, mtime time.Time) *vfs.FileInfo {
	return &vfs.FileInfo{
		Filename:    t.Base(),
		Path:        t.Virtual(),
		Mtime:       mtime,
		IsDirectory: true,
	}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}

// mapS3Error maps S3 errors to vfs errors
func mapS3Error(op string, t vfs.Target, err error) error {
	if isNotFound(err) {
		return &vfs.PathError{Op: op, Path: t.Virtual(), Err: vfs.ErrNotExist}
	}
	return &vfs.PathError{Op: op, Path: t.Virtual(), Err: err}
}

var _ vfs.Adapter = (*Adapter)(nil)

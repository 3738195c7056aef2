// Package vfs is a virtual filesystem gateway. Clients address files as
// "mountpoint:/path"; a Registry maps each mountpoint name to a storage
// Adapter and a root template, and a Service runs every request through
// the same pipeline before any storage is touched.
//
// # Mountpoints
//
// A mountpoint root may contain placeholders. {root} and {vfs} come from
// the configuration, {username} and any other name from the requesting
// user:
//
//	mountpoints:
//	  - name: home
//	    attributes:
//	      root: "{vfs}/{username}"
//	  - name: shared
//	    attributes:
//	      root: "/srv/shared/{team}"
//	      adapter: s3
//	      readOnly: true
//	      groups: [staff]
//
// Unresolved placeholders and ".." segments are rejected, so a user can
// never address storage outside their expanded root.
//
// # Adapters
//
// Adapters implement the twelve operations (realpath, exists, stat,
// readdir, readfile, writefile, mkdir, unlink, touch, search, copy,
// rename) and advertise them as a Capability set. Operations an adapter
// does not advertise fail with ErrUnsupported. Adapters register a factory
// with RegisterAdapterFactory from their package init:
//
//	import (
//	    _ "github.com/gobeaver/vfs/adapter/system"
//	    _ "github.com/gobeaver/vfs/adapter/s3"
//	)
//
// The system adapter serves the local disk, memory keeps files in process,
// bolt stores them in a bbolt database, s3 in a bucket and sftp on a remote
// host.
//
// # Pipeline
//
// Handle parses the request fields and options, resolves the mountpoint,
// checks read-only and group policy, confirms the adapter capability and
// only then calls the adapter. Readfile stats first so ranges can be
// checked against the size and a weak ETag can answer If-None-Match.
// Copy and rename between different adapters stream the content and
// report a TransferError when the destination write fails.
//
// # Watching
//
// Mountpoints with watch enabled publish changes through an Emitter and a
// Broadcaster (see package notify). Events are mapped back to virtual
// paths and broadcast only to clients whose attributes matched the
// watched root.
package vfs

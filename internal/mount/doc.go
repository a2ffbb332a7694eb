// Package mount implements the userspace-mount adapter (spec §4.9): a
// low-level fuse.RawFileSystem binding that exposes a remote drive target
// as a local filesystem, backed by an in-memory inode table, a read-range
// cache, a download-URL cache, and the same chunked upload machinery the
// backup job uses for writes.
package mount

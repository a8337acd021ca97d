// Package nvfuse implements a userspace filesystem's on-disk metadata
// engine: block-group space partitioning, inode allocation and block
// mapping, a hash-indexed directory structure, a dirty buffer cache, and
// the control-plane/data-plane IPC protocol that lets worker processes
// share a single raw block device.
//
// See package mount for the bootstrap entry points (Mount/Unmount) that
// wire the other packages together per process role.
package nvfuse

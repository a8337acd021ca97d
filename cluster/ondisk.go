package cluster

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// InodeType enumerates the on-disk inode types.
type InodeType uint8

const (
	InodeTypeFree InodeType = iota
	InodeTypeFile
	InodeTypeDir
	InodeTypeSymlink
)

// DirFlag enumerates the on-disk state of a directory-entry slot.
type DirFlag uint8

const (
	DirFlagEmpty DirFlag = iota
	DirFlagUsed
	DirFlagDeleted
)

// Superblock is the device-wide metadata cluster held at cluster 0.
//
//	[0:3]   Signature
//	[4:7]   ClusterSize
//	[8:11]  BGCount
//	[12:15] ClustersPerBG
//	[16:19] RootIno
//	[20:23] InodesPerBG
//	[24:31] FreeInodes
//	[32:39] FreeBlocks
//	[40:47] UsedBlocks
//	[48:51] MountCount
//	[52:59] LastUpdateUnix
type Superblock struct {
	Signature      uint32
	ClusterSize    uint32
	BGCount        uint32
	ClustersPerBG  uint32
	RootIno        uint32
	InodesPerBG    uint32
	FreeInodes     uint64
	FreeBlocks     uint64
	UsedBlocks     uint64
	MountCount     uint32
	LastUpdateUnix uint64
}

const superblockWireSize = 60

// MarshalBinary encodes the superblock in the fixed little-endian layout
// declared above, regardless of host struct padding.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, superblockWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], sb.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], sb.ClusterSize)
	binary.LittleEndian.PutUint32(buf[8:12], sb.BGCount)
	binary.LittleEndian.PutUint32(buf[12:16], sb.ClustersPerBG)
	binary.LittleEndian.PutUint32(buf[16:20], sb.RootIno)
	binary.LittleEndian.PutUint32(buf[20:24], sb.InodesPerBG)
	binary.LittleEndian.PutUint64(buf[24:32], sb.FreeInodes)
	binary.LittleEndian.PutUint64(buf[32:40], sb.FreeBlocks)
	binary.LittleEndian.PutUint64(buf[40:48], sb.UsedBlocks)
	binary.LittleEndian.PutUint32(buf[48:52], sb.MountCount)
	binary.LittleEndian.PutUint64(buf[52:60], sb.LastUpdateUnix)
	return buf, nil
}

// UnmarshalBinary decodes a superblock and validates its signature.
func (sb *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < superblockWireSize {
		return nverr.New(nverr.KindInvalid, "superblock buffer too short")
	}
	sig := binary.LittleEndian.Uint32(buf[0:4])
	if sig != SignatureSB {
		return nverr.Newf(nverr.KindInvalid, "bad superblock signature %#x", sig)
	}
	sb.Signature = sig
	sb.ClusterSize = binary.LittleEndian.Uint32(buf[4:8])
	sb.BGCount = binary.LittleEndian.Uint32(buf[8:12])
	sb.ClustersPerBG = binary.LittleEndian.Uint32(buf[12:16])
	sb.RootIno = binary.LittleEndian.Uint32(buf[16:20])
	sb.InodesPerBG = binary.LittleEndian.Uint32(buf[20:24])
	sb.FreeInodes = binary.LittleEndian.Uint64(buf[24:32])
	sb.FreeBlocks = binary.LittleEndian.Uint64(buf[32:40])
	sb.UsedBlocks = binary.LittleEndian.Uint64(buf[40:48])
	sb.MountCount = binary.LittleEndian.Uint32(buf[48:52])
	sb.LastUpdateUnix = binary.LittleEndian.Uint64(buf[52:60])
	return nil
}

// Touch stamps MountCount/LastUpdateUnix the way a mount bumps them.
func (sb *Superblock) Touch() {
	sb.MountCount++
	sb.LastUpdateUnix = uint64(time.Now().Unix())
}

// BGDescriptor is the per-block-group descriptor occupying the first
// cluster of a BG.
//
//	[0:3]   Signature
//	[4:7]   ID
//	[8:11]  MaxInodes
//	[12:15] MaxBlocks
//	[16:19] FreeInodes
//	[20:23] FreeBlocks
//	[24:27] NextBlockHint
//	[28:31] DBitmapStart
//	[32:35] IBitmapStart
//	[36:39] ITableStart
//	[40:43] DTableStart
//	[44:47] BGStart
//	[48:51] Owner
type BGDescriptor struct {
	Signature     uint32
	ID            uint32
	MaxInodes     uint32
	MaxBlocks     uint32
	FreeInodes    uint32
	FreeBlocks    uint32
	NextBlockHint uint32
	DBitmapStart  uint32
	IBitmapStart  uint32
	ITableStart   uint32
	DTableStart   uint32
	BGStart       uint32
	Owner         uint32
}

const bgDescriptorWireSize = 52

func (bd *BGDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, bgDescriptorWireSize)
	fields := []uint32{
		bd.Signature, bd.ID, bd.MaxInodes, bd.MaxBlocks, bd.FreeInodes,
		bd.FreeBlocks, bd.NextBlockHint, bd.DBitmapStart, bd.IBitmapStart,
		bd.ITableStart, bd.DTableStart, bd.BGStart, bd.Owner,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf, nil
}

func (bd *BGDescriptor) UnmarshalBinary(buf []byte) error {
	if len(buf) < bgDescriptorWireSize {
		return nverr.New(nverr.KindInvalid, "bg descriptor buffer too short")
	}
	sig := binary.LittleEndian.Uint32(buf[0:4])
	if sig != SignatureBD {
		return nverr.Newf(nverr.KindInvalid, "bad bg descriptor signature %#x", sig)
	}
	vals := [13]*uint32{
		&bd.Signature, &bd.ID, &bd.MaxInodes, &bd.MaxBlocks, &bd.FreeInodes,
		&bd.FreeBlocks, &bd.NextBlockHint, &bd.DBitmapStart, &bd.IBitmapStart,
		&bd.ITableStart, &bd.DTableStart, &bd.BGStart, &bd.Owner,
	}
	for i, p := range vals {
		*p = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return nil
}

// Inode is the in-RAM decoded form of one on-disk inode slot.
//
//	[0:3]   Ino
//	[4]     Type
//	[5:7]   reserved
//	[8:11]  Mode
//	[12:19] Size
//	[20:23] LinkCount
//	[24:27] Version
//	[28:31] Deleted (0/1)
//	[32:35] BPIno (B+tree index inode, directories only)
//	[36:99] Direct[0:16] block pointers (4 bytes each)
//	[100:103] IndirectL1
//	[104:107] IndirectL2
//	[108:111] IndirectL3
//	[112:115] IPtr (directory last-used dentry pointer)
const (
	DirectPointers = 16
)

type Inode struct {
	Ino        uint32
	Type       InodeType
	Mode       uint32
	Size       int64
	LinkCount  uint32
	Version    uint32
	Deleted    uint32
	BPIno      uint32
	Direct     [DirectPointers]uint32
	IndirectL1 uint32
	IndirectL2 uint32
	IndirectL3 uint32
	// IPtr is the directory engine's last-used dentry offset: the scan
	// for an empty slot starts one past it. Unused for non-directory
	// inodes.
	IPtr uint32
}

func (ip *Inode) MarshalBinary() ([]byte, error) {
	buf := make([]byte, InodeEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], ip.Ino)
	buf[4] = byte(ip.Type)
	binary.LittleEndian.PutUint32(buf[8:12], ip.Mode)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(ip.Size))
	binary.LittleEndian.PutUint32(buf[20:24], ip.LinkCount)
	binary.LittleEndian.PutUint32(buf[24:28], ip.Version)
	binary.LittleEndian.PutUint32(buf[28:32], ip.Deleted)
	binary.LittleEndian.PutUint32(buf[32:36], ip.BPIno)
	for i, p := range ip.Direct {
		off := 36 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
	}
	off := 36 + DirectPointers*4
	binary.LittleEndian.PutUint32(buf[off:off+4], ip.IndirectL1)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], ip.IndirectL2)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], ip.IndirectL3)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], ip.IPtr)
	return buf, nil
}

func (ip *Inode) UnmarshalBinary(buf []byte) error {
	if len(buf) < InodeEntrySize {
		return nverr.New(nverr.KindInvalid, "inode buffer too short")
	}
	ip.Ino = binary.LittleEndian.Uint32(buf[0:4])
	ip.Type = InodeType(buf[4])
	ip.Mode = binary.LittleEndian.Uint32(buf[8:12])
	ip.Size = int64(binary.LittleEndian.Uint64(buf[12:20]))
	ip.LinkCount = binary.LittleEndian.Uint32(buf[20:24])
	ip.Version = binary.LittleEndian.Uint32(buf[24:28])
	ip.Deleted = binary.LittleEndian.Uint32(buf[28:32])
	ip.BPIno = binary.LittleEndian.Uint32(buf[32:36])
	for i := range ip.Direct {
		off := 36 + i*4
		ip.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	off := 36 + DirectPointers*4
	ip.IndirectL1 = binary.LittleEndian.Uint32(buf[off : off+4])
	ip.IndirectL2 = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	ip.IndirectL3 = binary.LittleEndian.Uint32(buf[off+8 : off+12])
	ip.IPtr = binary.LittleEndian.Uint32(buf[off+12 : off+16])
	return nil
}

// Zero resets the slot to a zeroed, free state before it is stamped for
// reuse.
func (ip *Inode) Zero() { *ip = Inode{} }

// DirEntry is one fixed-size directory record.
//
//	[0]     Flag
//	[1:4]   reserved
//	[4:8]   Ino
//	[8:12]  Version
//	[12:N]  Filename, NUL-padded
type DirEntry struct {
	Flag     DirFlag
	Ino      uint32
	Version  uint32
	Filename string
}

func (de *DirEntry) MarshalBinary() ([]byte, error) {
	if len(de.Filename) > MaxFilename {
		return nil, nverr.Newf(nverr.KindInvalid, "filename %q exceeds %d bytes", de.Filename, MaxFilename)
	}
	buf := make([]byte, DirEntrySize)
	buf[0] = byte(de.Flag)
	binary.LittleEndian.PutUint32(buf[4:8], de.Ino)
	binary.LittleEndian.PutUint32(buf[8:12], de.Version)
	copy(buf[12:], de.Filename)
	return buf, nil
}

func (de *DirEntry) UnmarshalBinary(buf []byte) error {
	if len(buf) < DirEntrySize {
		return nverr.New(nverr.KindInvalid, "dir entry buffer too short")
	}
	de.Flag = DirFlag(buf[0])
	de.Ino = binary.LittleEndian.Uint32(buf[4:8])
	de.Version = binary.LittleEndian.Uint32(buf[8:12])
	name := buf[12:DirEntrySize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	de.Filename = string(name)
	return nil
}

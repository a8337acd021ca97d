package cluster

import "testing"

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		Signature:      SignatureSB,
		ClusterSize:    Size,
		BGCount:        4,
		ClustersPerBG:  8192,
		RootIno:        RootIno,
		InodesPerBG:    1024,
		FreeInodes:     4096,
		FreeBlocks:     32000,
		UsedBlocks:     768,
		MountCount:     3,
		LastUpdateUnix: 1700000000,
	}
	buf, err := sb.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got Superblock
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != sb {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sb)
	}
}

func TestSuperblockBadSignatureRejected(t *testing.T) {
	buf := make([]byte, Size)
	var sb Superblock
	if err := sb.UnmarshalBinary(buf); err == nil {
		t.Fatalf("expected error decoding all-zero buffer (bad signature)")
	}
}

func TestBGDescriptorRoundTrip(t *testing.T) {
	bd := BGDescriptor{
		Signature:     SignatureBD,
		ID:            3,
		MaxInodes:     1024,
		MaxBlocks:     8192,
		FreeInodes:    900,
		FreeBlocks:    8000,
		NextBlockHint: 10,
		DBitmapStart:  1,
		IBitmapStart:  2,
		ITableStart:   4,
		DTableStart:   20,
		BGStart:       3 * 8192,
		Owner:         7,
	}
	buf, err := bd.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got BGDescriptor
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != bd {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, bd)
	}
}

func TestInodeRoundTrip(t *testing.T) {
	ip := Inode{
		Ino:        42,
		Type:       InodeTypeDir,
		Mode:       0755,
		Size:       123456,
		LinkCount:  2,
		Version:    5,
		BPIno:      99,
		IndirectL1: 10,
		IndirectL2: 11,
		IndirectL3: 12,
		IPtr:       7,
	}
	for i := range ip.Direct {
		ip.Direct[i] = uint32(i + 1)
	}
	buf, err := ip.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != InodeEntrySize {
		t.Fatalf("encoded inode is %d bytes, want %d", len(buf), InodeEntrySize)
	}
	var got Inode
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != ip {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ip)
	}
}

func TestInodeZero(t *testing.T) {
	ip := Inode{Ino: 5, Size: 100, Type: InodeTypeFile}
	ip.Zero()
	if ip != (Inode{}) {
		t.Fatalf("Zero left non-zero state: %+v", ip)
	}
}

func TestDirEntryRoundTrip(t *testing.T) {
	de := DirEntry{Flag: DirFlagUsed, Ino: 9, Version: 1, Filename: "hello.txt"}
	buf, err := de.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != DirEntrySize {
		t.Fatalf("encoded dir entry is %d bytes, want %d", len(buf), DirEntrySize)
	}
	var got DirEntry
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != de {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, de)
	}
}

func TestDirEntryNameTooLongRejected(t *testing.T) {
	long := make([]byte, MaxFilename+1)
	for i := range long {
		long[i] = 'a'
	}
	de := DirEntry{Flag: DirFlagUsed, Ino: 1, Filename: string(long)}
	if _, err := de.MarshalBinary(); err == nil {
		t.Fatalf("expected error for over-long filename")
	}
}

func TestSizeToBlocks(t *testing.T) {
	cases := []struct {
		size int64
		want uint32
	}{
		{0, 0},
		{-1, 0},
		{1, 1},
		{Size, 1},
		{Size + 1, 2},
		{Size * 4, 4},
	}
	for _, c := range cases {
		if got := SizeToBlocks(Size, c.size); got != c.want {
			t.Errorf("SizeToBlocks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestEntriesPerCluster(t *testing.T) {
	if got := InodeEntriesPerCluster(Size); got != Size/InodeEntrySize {
		t.Errorf("InodeEntriesPerCluster = %d, want %d", got, Size/InodeEntrySize)
	}
	if got := DirEntriesPerCluster(Size); got != Size/DirEntrySize {
		t.Errorf("DirEntriesPerCluster = %d, want %d", got, Size/DirEntrySize)
	}
}

func TestBlockToBytes(t *testing.T) {
	if got := BlockToBytes(Size, 3); got != 3*Size {
		t.Errorf("BlockToBytes(3) = %d, want %d", got, 3*Size)
	}
}

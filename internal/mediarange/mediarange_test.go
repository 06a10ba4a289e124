package mediarange

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// box builds a classic 32-bit-size MP4 box: 4-byte size, 4-byte type, body.
func box(typ string, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(body)))
	copy(buf[4:8], typ)
	copy(buf[8:], body)
	return buf
}

func TestParse_mp4WithoutSidx(t *testing.T) {
	ftyp := box("ftyp", []byte("isommp42"))
	moov := box("moov", make([]byte, 20))
	mdat := box("mdat", []byte("fake media data"))

	data := append(append(ftyp, moov...), mdat...)
	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	ranges, err := c.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantInit := rangeString(0, int64(len(ftyp)+len(moov))-1)
	if ranges.InitRange != wantInit {
		t.Errorf("InitRange = %q, want %q", ranges.InitRange, wantInit)
	}
	wantIndex := rangeString(int64(len(ftyp)), int64(len(ftyp)+len(moov))-1)
	if ranges.IndexRange != wantIndex {
		t.Errorf("IndexRange = %q, want %q", ranges.IndexRange, wantIndex)
	}
}

func TestParse_mp4WithSidx(t *testing.T) {
	ftyp := box("ftyp", []byte("isommp42"))
	moov := box("moov", make([]byte, 10))
	sidx := box("sidx", make([]byte, 6))
	mdat := box("mdat", []byte("data"))

	data := append(append(append(ftyp, moov...), sidx...), mdat...)
	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	ranges, err := c.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sidxStart := int64(len(ftyp) + len(moov))
	wantIndex := rangeString(sidxStart, sidxStart+int64(len(sidx))-1)
	if ranges.IndexRange != wantIndex {
		t.Errorf("IndexRange = %q, want %q", ranges.IndexRange, wantIndex)
	}
}

func TestParse_missingMoov(t *testing.T) {
	ftyp := box("ftyp", []byte("isommp42"))
	mdat := box("mdat", []byte("data"))
	data := append(ftyp, mdat...)

	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	if _, err := c.Parse(path); err == nil {
		t.Fatalf("expected error for missing moov")
	}
}

func TestParse_cachesResult(t *testing.T) {
	ftyp := box("ftyp", []byte("isommp42"))
	moov := box("moov", make([]byte, 10))
	data := append(ftyp, moov...)

	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	r1, err := c.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := c.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Errorf("expected cached result to match, got %+v vs %+v", r1, r2)
	}
}

func TestParse_unrecognizedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v.bin")
	if err := os.WriteFile(path, []byte("not a media container at all!"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCache()
	if _, err := c.Parse(path); err == nil {
		t.Fatalf("expected error for unrecognized format")
	}
}

func ebmlElement(id uint32, idLen int, body []byte) []byte {
	idBytes := make([]byte, idLen)
	for i := 0; i < idLen; i++ {
		idBytes[idLen-1-i] = byte(id >> (8 * i))
	}
	// size as a single-byte vint: marker bit 0x80 plus 7-bit length.
	sizeByte := byte(0x80) | byte(len(body))
	return append(append(idBytes, sizeByte), body...)
}

func TestParse_webmHappyPath(t *testing.T) {
	ebmlHeader := ebmlElement(0x1A45DFA3, 4, make([]byte, 4))
	tracks := ebmlElement(ebmlIDTracks, 4, make([]byte, 8))
	cues := ebmlElement(ebmlIDCues, 4, make([]byte, 6))
	clusterBody := append(append([]byte{}, tracks...), cues...)
	segment := ebmlElement(ebmlIDSegment, 4, clusterBody)

	data := append(append([]byte{}, ebmlHeader...), segment...)
	dir := t.TempDir()
	path := filepath.Join(dir, "v.webm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	ranges, err := c.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ranges.InitRange == "" {
		t.Errorf("expected non-empty InitRange")
	}
	if ranges.IndexRange == "" {
		t.Errorf("expected non-empty IndexRange")
	}
}

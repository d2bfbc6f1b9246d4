package health

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	walHeaderSize      = 32
	walFrameHeaderSize = 24
	walMagicLE         = 0x377f0682
	walMagicBE         = 0x377f0683
)

// WALState describes the write-ahead file next to a database.
type WALState struct {
	Present  bool  `json:"present"`
	Size     int64 `json:"size"`
	Magic    bool  `json:"magic_ok"`
	PageSize int   `json:"page_size"`
	Aligned  bool  `json:"aligned"`
	Frames   int64 `json:"frames"`
}

// Healthy reports whether the file is absent, empty or well formed for pageSize.
func (w WALState) Healthy(pageSize int) bool {
	if !w.Present || w.Size == 0 {
		return true
	}
	return w.Magic && w.Aligned && w.PageSize == pageSize
}

// Recoverable reports whether a checkpoint can repair the file: a bad magic or
// a torn tail, but not a page size that disagrees with the database.
func (w WALState) Recoverable(pageSize int) bool {
	if w.Healthy(pageSize) {
		return false
	}
	return !w.Magic || (w.PageSize == pageSize && !w.Aligned)
}

func (w WALState) String() string {
	if !w.Present {
		return "wal absent"
	}
	return fmt.Sprintf("wal size=%d magic_ok=%t page_size=%d aligned=%t frames=%d",
		w.Size, w.Magic, w.PageSize, w.Aligned, w.Frames)
}

// InspectWAL reads the header of path and checks that its length is the
// 32-byte header plus whole frames of page_size+24 bytes.
func InspectWAL(path string) (WALState, error) {
	var st WALState
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return st, fmt.Errorf("stat %s: %w", path, err)
	}
	st.Present = true
	st.Size = info.Size()
	if st.Size == 0 {
		st.Magic, st.Aligned = true, true
		return st, nil
	}

	header := make([]byte, walHeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return st, fmt.Errorf("reading %s: %w", path, err)
	}
	if n < walHeaderSize {
		return st, nil
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	st.Magic = magic == walMagicLE || magic == walMagicBE
	st.PageSize = int(binary.BigEndian.Uint32(header[8:12]))
	if st.PageSize == 1 {
		st.PageSize = 65536
	}
	if st.PageSize > 0 {
		frame := int64(st.PageSize + walFrameHeaderSize)
		body := st.Size - walHeaderSize
		st.Aligned = body%frame == 0
		st.Frames = body / frame
	}
	return st, nil
}

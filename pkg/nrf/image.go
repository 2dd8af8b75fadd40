package nrf

import (
	"fmt"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// Record is one contiguous run of firmware bytes at a flash address.
type Record struct {
	Addr uint32
	Data []byte
}

// Image is an ordered, non-overlapping sequence of firmware records. Build
// one through LoadImage or NewImage so the validation invariants hold
// before any write is issued.
type Image struct {
	Records []Record
}

// LoadImage reads an Intel HEX file and converts its data segments into a
// validated image.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var records []Record
	for _, seg := range mem.GetDataSegments() {
		records = append(records, Record{Addr: seg.Address, Data: seg.Data})
	}

	return NewImage(records)
}

// NewImage sorts the records into ascending address order and validates
// them.
func NewImage(records []Record) (*Image, error) {
	img := &Image{Records: records}
	sort.Slice(img.Records, func(i, j int) bool {
		return img.Records[i].Addr < img.Records[j].Addr
	})
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// Validate checks the programming invariants: records carry data, start on
// a word boundary, appear in ascending address order and never overlap.
func (img *Image) Validate() error {
	var end uint32
	for i, rec := range img.Records {
		if len(rec.Data) == 0 {
			return fmt.Errorf("record %d at 0x%08X is empty", i, rec.Addr)
		}
		if rec.Addr%WordSize != 0 {
			return fmt.Errorf("record %d at 0x%08X is not word aligned", i, rec.Addr)
		}
		if i > 0 {
			if rec.Addr < img.Records[i-1].Addr {
				return fmt.Errorf("record %d at 0x%08X out of order", i, rec.Addr)
			}
			if rec.Addr < end {
				return fmt.Errorf("record %d at 0x%08X overlaps previous record ending at 0x%08X",
					i, rec.Addr, end)
			}
		}
		end = rec.Addr + uint32(len(rec.Data))
	}
	return nil
}

// Size returns the total number of payload bytes across all records.
func (img *Image) Size() int {
	n := 0
	for _, rec := range img.Records {
		n += len(rec.Data)
	}
	return n
}

// words pads a record's data to the programming granularity with erased
// flash bytes and returns it as 32-bit little-endian words.
func (rec Record) words() []uint32 {
	n := (len(rec.Data) + WordSize - 1) / WordSize
	words := make([]uint32, n)
	for i := range words {
		var w uint32
		for b := 0; b < WordSize; b++ {
			idx := i*WordSize + b
			v := byte(0xFF) // pad partial words with erased flash
			if idx < len(rec.Data) {
				v = rec.Data[idx]
			}
			w |= uint32(v) << (8 * b)
		}
		words[i] = w
	}
	return words
}

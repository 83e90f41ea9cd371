package domain

// Batch is an ordered group of records drawn from a single stream.
type Batch struct {
	Stream  string
	Records []Record
}

func (b Batch) Len() int { return len(b.Records) }

// First returns the position of the first record, or StreamStart when empty.
func (b Batch) First() Position {
	if len(b.Records) == 0 {
		return StreamStart
	}
	return b.Records[0].Position
}

// Last returns the position of the last record, or StreamStart when empty.
func (b Batch) Last() Position {
	if len(b.Records) == 0 {
		return StreamStart
	}
	return b.Records[len(b.Records)-1].Position
}

// Bytes sums the approximate size of all records.
func (b Batch) Bytes() int {
	n := 0
	for _, r := range b.Records {
		n += r.Size()
	}
	return n
}

// Clone deep-copies every record.
func (b Batch) Clone() Batch {
	out := Batch{Stream: b.Stream, Records: make([]Record, len(b.Records))}
	for i, r := range b.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

package virtq

// dataDescs returns every descriptor in cmd's chain after the request
// header (chain[0]).
func dataDescs(cmd *Command) []Desc {
	if len(cmd.chain) <= 1 {
		return nil
	}
	return cmd.chain[1:]
}

// readableDataDescs returns the device-readable (driver-written, OUT
// direction) descriptors among dataDescs.
func readableDataDescs(cmd *Command) []Desc {
	var out []Desc
	for _, d := range dataDescs(cmd) {
		if d.Flags&uint16(DescFWrite) == 0 {
			out = append(out, d)
		}
	}
	return out
}

// writableDataDescs returns the device-writable (IN direction)
// descriptors among dataDescs, including the trailing status/footer
// descriptor — callers that must exclude the footer slice off the
// last element themselves, mirroring findFooterDesc.
func writableDataDescs(cmd *Command) []Desc {
	var out []Desc
	for _, d := range dataDescs(cmd) {
		if d.Flags&uint16(DescFWrite) != 0 {
			out = append(out, d)
		}
	}
	return out
}

// payloadWritableDescs returns the device-writable descriptors a
// backend's response payload should land in, excluding the trailing
// status/footer descriptor that writeStatus owns.
func payloadWritableDescs(cmd *Command) []Desc {
	w := writableDataDescs(cmd)
	if len(w) == 0 {
		return nil
	}
	return w[:len(w)-1]
}

// findFooterDesc returns the final chain descriptor (the status/footer
// slot), or nil if it is not device-writable.
func findFooterDesc(cmd *Command) *Desc {
	if len(cmd.chain) == 0 {
		return nil
	}
	f := &cmd.chain[len(cmd.chain)-1]
	if f.Flags&uint16(DescFWrite) == 0 {
		return nil
	}
	return f
}

func sumLen(descs []Desc) int {
	total := 0
	for _, d := range descs {
		total += int(d.Len)
	}
	return total
}

// mergeAdjacent coalesces contiguous same-direction descriptors (spec
// §4.2 FETCH_DESCS: "contiguous read/write descriptors with matching
// write flag may be merged when enabled"). The request header
// (chain[0]) is never a merge candidate.
func mergeAdjacent(chain []Desc) []Desc {
	if len(chain) < 3 {
		return chain
	}
	out := make([]Desc, 0, len(chain))
	out = append(out, chain[0])
	cur := chain[1]
	for _, d := range chain[2:] {
		if cur.Flags == d.Flags && cur.Addr+uint64(cur.Len) == d.Addr {
			cur.Len += d.Len
			continue
		}
		out = append(out, cur)
		cur = d
	}
	out = append(out, cur)
	return out
}

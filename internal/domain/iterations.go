package domain

// IterationTable is a header row followed by one row per child run.
type IterationTable [][]any

func (t IterationTable) Header() []string {
	if len(t) == 0 {
		return nil
	}
	out := make([]string, 0, len(t[0]))
	for _, cell := range t[0] {
		s, _ := cell.(string)
		out = append(out, s)
	}
	return out
}

func (t IterationTable) Rows() [][]any {
	if len(t) < 2 {
		return nil
	}
	return t[1:]
}

// Column returns the index of name in the header or -1.
func (t IterationTable) Column(name string) int {
	for i, h := range t.Header() {
		if h == name {
			return i
		}
	}
	return -1
}

package workflow

// StepList is an ordered composition of steps.
type StepList []*Step

// Begin starts a step list.
func Begin(steps ...*Step) StepList {
	return StepList(nil).Then(steps...)
}

// Then returns a new list with steps appended. l is not modified.
func (l StepList) Then(steps ...*Step) StepList {
	out := make(StepList, 0, len(l)+len(steps))
	out = append(out, l...)
	return append(out, steps...)
}

// Names returns the top-level step names.
func (l StepList) Names() []string {
	names := make([]string, len(l))
	for i, s := range l {
		names[i] = s.Name
	}
	return names
}

// Index returns the position of the top-level step called name, or -1.
func (l StepList) Index(name string) int {
	for i, s := range l {
		if s.Name == name {
			return i
		}
	}
	return -1
}

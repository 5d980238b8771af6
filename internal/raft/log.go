package raft

// raftLog is the in-memory view of the entry log, 1-based and contiguous.
// Durability is the Storage's job; the loop goroutine is the only writer.
type raftLog struct {
	entries []LogEntry
}

func (l *raftLog) lastIndex() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *raftLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *raftLog) term(index uint64) (uint64, bool) {
	e, ok := l.entry(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

func (l *raftLog) entry(index uint64) (LogEntry, bool) {
	if index == 0 || index > l.lastIndex() {
		return LogEntry{}, false
	}
	return l.entries[index-1], true
}

// from returns a copy of entries at index and above, safe to hand to a
// sender goroutine.
func (l *raftLog) from(index uint64) []LogEntry {
	if index == 0 {
		index = 1
	}
	if index > l.lastIndex() {
		return nil
	}
	out := make([]LogEntry, l.lastIndex()-index+1)
	copy(out, l.entries[index-1:])
	return out
}

func (l *raftLog) append(entries ...LogEntry) {
	l.entries = append(l.entries, entries...)
}

// truncateFrom drops index and everything after it.
func (l *raftLog) truncateFrom(index uint64) {
	if index == 0 || index > l.lastIndex() {
		return
	}
	l.entries = l.entries[:index-1]
}

// matches reports whether the log contains prevIndex with prevTerm; index 0
// always matches (the empty prefix).
func (l *raftLog) matches(prevIndex, prevTerm uint64) bool {
	if prevIndex == 0 {
		return true
	}
	t, ok := l.term(prevIndex)
	return ok && t == prevTerm
}

// upToDate reports whether a candidate log described by (lastTerm, lastIndex)
// is at least as up to date as this one: higher last term wins, ties fall to
// length.
func (l *raftLog) upToDate(lastTerm, lastIndex uint64) bool {
	if lastTerm != l.lastTerm() {
		return lastTerm > l.lastTerm()
	}
	return lastIndex >= l.lastIndex()
}

package module

import (
	"bufio"
	"io"

	log "github.com/sirupsen/logrus"
)

type readState int

const (
	stBegin readState = iota
	stCompare
	stStar
	stBadent
	stEntspc
	stGetent
)

type found int

const (
	gotNothing found = iota
	gotStar
	gotReal
)

type escape int

const (
	escNone escape = iota
	escChar
	escVal
)

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// mapReader reads "key entry" records from a flat map file. A backslash
// before a newline continues the line; other escapes are kept in the entry
// for the parser.
type mapReader struct {
	r *bufio.Reader
}

func newMapReader(r io.Reader) *mapReader {
	return &mapReader{r: bufio.NewReader(r)}
}

// next returns the next well formed record. ok is false at end of input.
func (m *mapReader) next() (key, mapent string, ok bool) {
	var (
		kb, mb          []byte
		state           = stBegin
		getting, gotten = gotNothing, gotNothing
		esc             = escNone
	)
	reset := func() {
		kb, mb = kb[:0], mb[:0]
		getting, gotten = gotNothing, gotNothing
		esc = escNone
	}

	for {
		ch, err := m.r.ReadByte()
		if err != nil {
			return "", "", false
		}

		switch esc {
		case escNone:
			if ch == '\\' {
				nch, err := m.r.ReadByte()
				if err == nil && nch == '\n' {
					continue
				}
				if err == nil {
					m.r.UnreadByte()
				}
				esc = escChar
			}
		case escChar:
			esc = escVal
		case escVal:
			esc = escNone
		}

		done := false
		switch state {
		case stBegin:
			switch {
			case esc == escNone:
				switch {
				case isSpace(ch):
				case ch == '#':
					state = stBadent
				case ch == '*':
					state = stStar
					kb = append(kb, ch)
				default:
					state = stCompare
					kb = append(kb, ch)
				}
			case esc == escChar:
			default:
				state = stBadent
			}

		case stCompare:
			switch {
			case ch == '\n':
				state = stBegin
				reset()
			case isSpace(ch) && esc == escNone:
				getting = gotReal
				state = stEntspc
			case esc == escChar:
			case len(kb) == KeyMax:
				log.Errorf("map key %q... is too long, the maximum key length is %d", kb, KeyMax)
				state = stBadent
			default:
				kb = append(kb, ch)
			}

		case stStar:
			switch {
			case ch == '\n':
				state = stBegin
				reset()
			case isSpace(ch) && gotten < gotStar && esc == escNone:
				getting = gotStar
				state = stEntspc
			case esc != escChar:
				state = stBadent
			}

		case stBadent:
			if ch == '\n' {
				state = stBegin
				reset()
			}

		case stEntspc:
			switch {
			case ch == '\n':
				state = stBegin
				reset()
			case !isSpace(ch) || esc != escNone:
				state = stGetent
				gotten = getting
				mb = append(mb[:0], ch)
				if _, err := m.r.Peek(1); err != nil {
					done = true
				}
			}

		case stGetent:
			switch {
			case ch == '\n':
				state = stBegin
				done = gotten == gotReal || gotten == getting
			case len(mb) < MapentMax:
				mb = append(mb, ch)
				if _, err := m.r.Peek(1); err != nil {
					done = gotten == gotReal || gotten == getting
				}
			default:
				log.Errorf("map entry %q... for key %q is too long, the maximum entry size is %d", mb, kb, MapentMax)
				state = stBadent
			}
		}

		if done {
			if gotten != gotNothing {
				return string(kb), string(mb), true
			}
			reset()
		} else if state == stBegin && ch == '\n' {
			reset()
		}
	}
}

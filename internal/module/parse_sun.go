package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/common"
)

type substVar struct {
	name, value string
}

var (
	predefinedOnce sync.Once
	predefined     []substVar
)

func utsString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// predefinedVars returns ARCH, CPU, HOST, OSNAME, OSREL and OSVERS.
func predefinedVars() []substVar {
	predefinedOnce.Do(func() {
		var un unix.Utsname
		if err := unix.Uname(&un); err != nil {
			log.WithError(err).Warn("parse(sun): uname")
			return
		}
		machine := utsString(un.Machine[:])
		cpu := machine
		// every i?86 reports as i386
		if len(cpu) == 4 && cpu[0] == 'i' && cpu[1] >= '3' && cpu[2:] == "86" {
			cpu = "i386"
		}
		predefined = []substVar{
			{"OSVERS", utsString(un.Version[:])},
			{"OSREL", utsString(un.Release[:])},
			{"OSNAME", utsString(un.Sysname[:])},
			{"HOST", utsString(un.Nodename[:])},
			{"CPU", cpu},
			{"ARCH", machine},
		}
	})
	return predefined
}

// sunParser understands Sun format map entries:
//
//	[-options] location [location ...]
//	[-options] [mountpoint [-options] location [location ...]] ...
type sunParser struct {
	env       *Env
	options   string
	vars      []substVar
	slashify  bool
	childArgs []string
	nfs       Mounter
}

// abbrev reports whether s equals word or abbreviates it with more than min
// characters.
func abbrev(s, word string, min int) bool {
	return s == word || (len(s) > min && strings.HasPrefix(word, s))
}

func newSunParser(env *Env, args []string) (Parser, error) {
	p := &sunParser{env: env, slashify: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) > 1 && arg[0] == '-' && (arg[1] == 'D' || arg[1] == '-') {
			if arg[1] == 'D' {
				def := arg[2:]
				if def == "" {
					if i++; i >= len(args) {
						break
					}
					def = args[i]
				}
				name, value, _ := strings.Cut(def, "=")
				p.vars = append([]substVar{{name, value}}, p.vars...)
				p.childArgs = append(p.childArgs, "-D"+name+"="+value)
				continue
			}

			opt, val := arg[2:], true
			if strings.HasPrefix(opt, "no-") {
				opt, val = opt[3:], false
			}
			if abbrev(opt, "slashify-colons", 1) {
				p.slashify = val
			} else {
				log.Errorf("parse(sun): unknown option: %s", arg)
			}
			continue
		}

		p.options = concatOptions(p.options, strings.TrimPrefix(arg, "-"))
		log.Debugf("parse(sun): init gathered options: %s", p.options)
	}

	nfs, err := OpenMounter(env, "nfs")
	if err != nil {
		return nil, err
	}
	p.nfs = nfs
	return p, nil
}

func (p *sunParser) lookupVar(name string) (string, bool) {
	for _, v := range p.vars {
		if v.name == name {
			return v.value, true
		}
	}
	for _, v := range predefinedVars() {
		if v.name == name {
			return v.value, true
		}
	}
	return os.LookupEnv(name)
}

func isVarChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// expand performs & and $ substitution on a map entry. With slashify on, a
// second colon within one word becomes a slash.
func (p *sunParser) expand(src, key string) string {
	var (
		b          strings.Builder
		seenColons bool
	)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch ch {
		case '&':
			b.WriteString(key)

		case '$':
			if i+1 < len(src) && src[i+1] == '{' {
				end := strings.IndexByte(src[i+2:], '}')
				if end < 0 {
					return b.String()
				}
				if v, ok := p.lookupVar(src[i+2 : i+2+end]); ok {
					b.WriteString(v)
				}
				i += 2 + end
			} else {
				j := i + 1
				for j < len(src) && isVarChar(src[j]) {
					j++
				}
				if v, ok := p.lookupVar(src[i+1 : j]); ok {
					b.WriteString(v)
				}
				i = j - 1
			}

		case '\\':
			b.WriteByte(ch)
			if i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			}

		case ':':
			if seenColons && p.slashify {
				b.WriteByte('/')
			} else {
				b.WriteByte(':')
			}
			seenColons = true

		default:
			if isSpace(ch) {
				seenColons = false
			}
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// skipSpace skips blanks; a '#' comments out the rest of the entry.
func skipSpace(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\b', '\t', '\n', '\v', '\f', '\r':
			continue
		case '#':
			return ""
		default:
			return s[i:]
		}
	}
	return ""
}

// hasHostColon reports whether a colon comes before the next slash.
func hasHostColon(s string) bool {
	i := strings.IndexAny(s, ":/")
	return i >= 0 && s[i] == ':'
}

// chunkLen returns the length of the next whitespace delimited chunk.
// Escaped delimiters do not end it; with expectColon, blanks before the
// first colon are part of the chunk.
func chunkLen(s string, expectColon bool) int {
	quote := false
	n := 0
	for ; n < len(s); n++ {
		switch s[n] {
		case '\\':
			if !quote {
				quote = true
				continue
			}
		case ':':
			expectColon = false
			continue
		case ' ', '\t':
			if expectColon {
				continue
			}
			if !quote {
				return n
			}
		case '\b', '\n', '\v', '\f', '\r', '#':
			if !quote {
				return n
			}
		}
		quote = false
	}
	return n
}

// dequote drops the escaping backslashes from the first n bytes of s.
func dequote(s string, n int) string {
	if n > len(s) {
		n = len(s)
	}
	var (
		b     strings.Builder
		quote bool
	)
	for i := 0; i < n; i++ {
		if s[i] == '\\' && !quote {
			quote = true
			continue
		}
		quote = false
		b.WriteByte(s[i])
	}
	return b.String()
}

func concatOptions(left, right string) string {
	switch {
	case left == "":
		return right
	case right == "":
		return left
	}
	return left + "," + right
}

// takeOptions consumes any number of leading "-options" chunks.
func takeOptions(s, options string) (string, string) {
	for strings.HasPrefix(s, "-") {
		s = s[1:]
		n := chunkLen(s, false)
		options = concatOptions(options, dequote(s, n))
		s = skipSpace(s[n:])
	}
	return s, options
}

// takeLocation consumes one location and any further locations up to the
// next mount point offset.
func takeLocation(s string, multi bool) (string, string) {
	if strings.HasPrefix(s, ":") {
		s = s[1:]
	}
	n := chunkLen(s, hasHostColon(s))
	loc := dequote(s, n)
	s = skipSpace(s[n:])

	for s != "" && !(multi && s[0] == '/') {
		n := chunkLen(s, hasHostColon(s))
		if n == 0 {
			n = 1
		}
		loc += " " + dequote(s, n)
		s = skipSpace(s[n:])
	}
	return s, loc
}

// isMulti reports whether an entry holds several offset/location pairs.
func isMulti(s string) bool {
	if strings.HasPrefix(s, "/") {
		return true
	}
	first := true
	for s != "" {
		s = skipSpace(s)
		if s == "" {
			break
		}
		if !first && (s[0] == '/' || s[0] == '-') {
			return true
		}
		for strings.HasPrefix(s, "-") {
			s = skipSpace(s[chunkLen(s, false):])
		}
		n := chunkLen(s, hasHostColon(s))
		if n == 0 && s != "" {
			n = 1
		}
		s = s[n:]
		first = false
	}
	return false
}

type multiMount struct {
	path, options, location string
}

// addMulti inserts m keeping the list ordered shortest path first. A path
// listed twice makes the entry invalid.
func addMulti(list []multiMount, m multiMount) ([]multiMount, error) {
	at := len(list)
	for i, e := range list {
		if e.path == m.path {
			return nil, fmt.Errorf("duplicate offset %s: %w", m.path, common.ErrBadMapFormat)
		}
		if at == len(list) && len(m.path) <= len(e.path) {
			at = i
		}
	}
	return append(list[:at], append([]multiMount{m}, list[at:]...)...), nil
}

// errNonStrict wraps a failed mount that the entry marked nonstrict.
type errNonStrict struct{ err error }

func (e errNonStrict) Error() string { return e.err.Error() }
func (e errNonStrict) Unwrap() error { return e.err }

func (p *sunParser) Mount(ctx context.Context, root, name, mapent string) error {
	expanded := p.expand(mapent, name)
	log.Debugf("parse(sun): expanded entry: %s", expanded)

	s, options := takeOptions(skipSpace(expanded), p.options)
	log.Debugf("parse(sun): gathered options: %s", options)

	if isMulti(s) {
		multiRoot := root + "/" + name

		var list []multiMount
		for {
			path := "/"
			if strings.HasPrefix(s, "/") {
				n := chunkLen(s, false)
				path = dequote(s, n)
				s = s[n:]
			}
			var myopts, loc string
			s, myopts = takeOptions(skipSpace(s), options)
			s, loc = takeLocation(s, true)

			var err error
			if list, err = addMulti(list, multiMount{path, myopts, loc}); err != nil {
				return err
			}
			if !strings.HasPrefix(s, "/") {
				break
			}
		}

		for _, m := range list {
			log.Debugf("parse(sun): multimount: %s on %s with options %s", m.location, m.path, m.options)
			err := p.mountOne(ctx, multiRoot, m.path, m.location, m.options)
			var ns errNonStrict
			if errors.As(err, &ns) {
				log.WithError(err).Debug("parse(sun): ignoring failure of non-strict mount")
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	}

	_, loc := takeLocation(s, false)
	if loc == "" {
		return fmt.Errorf("entry %s is empty: %w", name, common.ErrBadMapFormat)
	}
	log.Debugf("parse(sun): core of entry: options=%s, loc=%s", options, loc)

	err := p.mountOne(ctx, root, name, loc, options)
	var ns errNonStrict
	if errors.As(err, &ns) {
		return ns.err
	}
	return err
}

// mountOne mounts a single location. fstype=, strict and nonstrict are
// pseudo options consumed here.
func (p *sunParser) mountOne(ctx context.Context, root, name, loc, options string) error {
	fstype := "nfs"
	nonstrict := true

	var kept []string
	for _, opt := range strings.Split(options, ",") {
		switch {
		case opt == "":
		case strings.HasPrefix(opt, "fstype="):
			fstype = opt[len("fstype="):]
		case strings.HasPrefix(opt, "strict"):
			nonstrict = false
		case strings.HasPrefix(opt, "nonstrict"):
			nonstrict = true
		case strings.HasPrefix(opt, "bg"), strings.HasPrefix(opt, "nofg"):
		default:
			kept = append(kept, opt)
		}
	}
	options = strings.Join(kept, ",")

	if fstype == "autofs" && len(p.childArgs) > 0 {
		options = concatOptions(options, strings.Join(p.childArgs, ","))
	}

	name = strings.TrimLeft(name, "/")
	log.Debugf("parse(sun): mounting root %s, mountpoint %s, what %s, fstype %s, options %s", root, name, loc, fstype, options)

	if fstype == "autofs" && !strings.Contains(loc, ":") {
		return fmt.Errorf("unable to find map %s: map type missing: %w", loc, common.ErrBadMapFormat)
	}
	if loc == "" {
		return fmt.Errorf("empty location for %s: %w", name, common.ErrBadMapFormat)
	}

	var err error
	if fstype == "nfs" {
		err = p.nfs.Mount(ctx, root, name, loc, fstype, options)
	} else {
		err = DoMount(ctx, p.env, root, name, loc, fstype, options)
	}
	if err != nil && nonstrict {
		return errNonStrict{err}
	}
	return err
}

func (p *sunParser) Done() error {
	return p.nfs.Done()
}

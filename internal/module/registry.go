package module

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultFormat is the parse module used when a map type names none.
const DefaultFormat = "sun"

// ErrUnknownModule is returned for a module name not in the registry.
var ErrUnknownModule = errors.New("unknown module")

type (
	lookupFactory  func(env *Env, format string, args []string) (Lookup, error)
	parserFactory  func(env *Env, args []string) (Parser, error)
	mounterFactory func(env *Env) (Mounter, error)
)

var (
	lookups = map[string]lookupFactory{
		"file":     newFileLookup,
		"program":  newProgramLookup,
		"userhome": newUserhomeLookup,
	}
	parsers = map[string]parserFactory{
		"sun": newSunParser,
	}
	mounters = map[string]mounterFactory{
		"generic": newGenericMounter,
		"bind":    newBindMounter,
		"nfs":     newNFSMounter,
		"autofs":  newAutofsMounter,
		"ext2":    newExt2Mounter,
		"ext3":    newExt2Mounter,
		"afs":     newAFSMounter,
	}
)

// multi opens other lookups, so it joins the table once it exists.
func init() {
	lookups["multi"] = newMultiLookup
}

// Filesystem types the generic mounter must not take over.
var notGeneric = []string{"nfs", "userfs", "autofs", "changer", "bind"}

func names[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LookupNames lists the registered lookup modules.
func LookupNames() []string { return names(lookups) }

// SplitMapType splits "type[,format]".
func SplitMapType(s string) (typ, format string) {
	typ, format, _ = strings.Cut(s, ",")
	return typ, format
}

// OpenLookup initializes the lookup module called name. args[0] is the
// map name; the rest go to the parse module selected by format.
func OpenLookup(env *Env, name, format string, args []string) (Lookup, error) {
	f, ok := lookups[name]
	if !ok {
		return nil, fmt.Errorf("lookup %q (known: %s): %w", name, strings.Join(LookupNames(), ", "), ErrUnknownModule)
	}
	if format == "" {
		format = DefaultFormat
	}
	l, err := f(env, format, args)
	if err != nil {
		return nil, fmt.Errorf("lookup(%s): %w", name, err)
	}
	return l, nil
}

// OpenParser initializes the parse module called name.
func OpenParser(env *Env, name string, args []string) (Parser, error) {
	f, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("parse %q: %w", name, ErrUnknownModule)
	}
	p, err := f(env, args)
	if err != nil {
		return nil, fmt.Errorf("parse(%s): %w", name, err)
	}
	return p, nil
}

// OpenMounter initializes the mount module called name.
func OpenMounter(env *Env, name string) (Mounter, error) {
	f, ok := mounters[name]
	if !ok {
		return nil, fmt.Errorf("mount %q: %w", name, ErrUnknownModule)
	}
	m, err := f(env)
	if err != nil {
		return nil, fmt.Errorf("mount(%s): %w", name, err)
	}
	return m, nil
}

// DoMount mounts with the module named after fstype, falling back to the
// generic mounter for types it is known to handle.
func DoMount(ctx context.Context, env *Env, root, name, what, fstype, options string) error {
	modName := fstype
	if _, ok := mounters[fstype]; !ok {
		if slices.Contains(notGeneric, fstype) {
			return fmt.Errorf("no mount method for filesystem %s: %w", fstype, ErrUnknownModule)
		}
		modName = "generic"
	}

	m, err := OpenMounter(env, modName)
	if err != nil {
		return err
	}
	defer m.Done()

	log.WithFields(log.Fields{
		"what":    what,
		"path":    root + "/" + name,
		"fstype":  fstype,
		"options": options,
		"module":  modName,
	}).Debug("do_mount")
	return m.Mount(ctx, root, name, what, fstype, options)
}

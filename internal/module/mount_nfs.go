package module

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
	"automount/internal/spawn"
	"automount/internal/util"
)

// Probe timeouts for the first and the second pass over the hosts.
const (
	shortProbe = 100 * time.Millisecond
	longProbe  = 10 * time.Second
)

var nfsRetryOptions = util.MountRetryOptions

// isLocalHost reports whether host resolves to an address of this machine.
// A UDP socket connected to the discard port is bound to the local address
// the kernel would route from; a local host routes from itself.
var isLocalHost = func(host string) (bool, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		conn, err := net.Dial("udp", net.JoinHostPort(a, "9"))
		if err != nil {
			log.WithError(err).Errorf("mount(nfs): connect failed for %s", host)
			continue
		}
		local := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		if ip := net.ParseIP(a); ip != nil && ip.Equal(local.IP) {
			return true, nil
		}
	}
	return false, nil
}

// probeHost reports whether host answers on the NFS port within timeout
// and how long it took.
var probeHost = func(host string, timeout time.Duration) (time.Duration, bool) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, "2049"), timeout)
	if err != nil {
		return 0, false
	}
	conn.Close()
	return time.Since(start), true
}

type nfsCandidate struct {
	host   string
	weight int // -1 when unweighted
	path   string
}

// parseHosts splits "host[(w)][,host[(w)]...]:/path [host:/path ...]" into
// one candidate per host.
func parseHosts(what string) []nfsCandidate {
	var out []nfsCandidate
	for _, loc := range strings.Fields(what) {
		hosts, path, ok := strings.Cut(loc, ":")
		if !ok {
			continue
		}
		for _, h := range strings.Split(hosts, ",") {
			if h == "" {
				continue
			}
			c := nfsCandidate{host: h, weight: -1, path: path}
			if i := strings.IndexByte(h, '('); i >= 0 {
				c.host = h[:i]
				if w, err := strconv.Atoi(strings.TrimSuffix(h[i+1:], ")")); err == nil {
					c.weight = w
				}
			}
			out = append(out, c)
		}
	}
	return out
}

// bestMount elects the location to mount from what. local is true when the
// result is a path on this machine. An empty result means no host answered.
func (m *nfsMounter) bestMount(what string) (string, bool) {
	what = strings.TrimSpace(what)

	if !strings.Contains(what, ",") && strings.Count(what, ":") == 1 {
		host, path, _ := strings.Cut(what, ":")
		if local, err := isLocalHost(host); err != nil {
			log.WithError(err).Errorf("mount(nfs): host %s: lookup failure", host)
		} else if local {
			log.Debugf("mount(nfs): host %s: is localhost", host)
			return path, true
		}
		return what, false
	}

	cands := parseHosts(what)
	if w, local := m.elect(cands, shortProbe, false); w != nil || m.env.RandomMultimount {
		return w.location(local), local
	}
	log.Debugf("mount(nfs): all hosts timed out for '%s', retrying with longer timeout", what)
	w, local := m.elect(cands, longProbe, true)
	return w.location(local), local
}

func (c *nfsCandidate) location(local bool) string {
	switch {
	case c == nil:
		return ""
	case local:
		return c.path
	}
	return c.host + ":" + c.path
}

// elect prefers a local host, then the alive host with the lowest weight,
// then a random or the fastest alive host.
func (m *nfsMounter) elect(cands []nfsCandidate, timeout time.Duration, skipLocal bool) (*nfsCandidate, bool) {
	var (
		weighted, unweighted *nfsCandidate

		bestWeight       = math.MaxInt
		bestTime         = time.Duration(math.MaxInt64)
		bestRandom int64 = math.MaxInt64
	)

	for i := range cands {
		c := &cands[i]
		if !skipLocal {
			local, err := isLocalHost(c.host)
			if err != nil {
				log.WithError(err).Errorf("mount(nfs): host %s: lookup failure", c.host)
				continue
			}
			if local {
				return c, true
			}
		}

		rtt, alive := probeHost(c.host, timeout)
		if !alive {
			continue
		}
		if c.weight >= 0 {
			if c.weight < bestWeight {
				bestWeight, weighted = c.weight, c
			}
			continue
		}
		if m.env.RandomMultimount {
			if r := rand.Int64(); r < bestRandom {
				bestRandom, unweighted = r, c
			}
			continue
		}
		if rtt < bestTime {
			bestTime, unweighted = rtt, c
		}
	}

	if weighted != nil {
		return weighted, false
	}
	return unweighted, false
}

// nfsMounter mounts NFS exports, binding instead when the export lives on
// this machine.
type nfsMounter struct {
	env  *Env
	bind Mounter
}

func newNFSMounter(env *Env) (Mounter, error) {
	bind, err := OpenMounter(env, "bind")
	if err != nil {
		return nil, err
	}
	return &nfsMounter{env: env, bind: bind}, nil
}

func (m *nfsMounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	log.Debugf("mount(nfs): root=%s name=%s what=%s, fstype=%s, options=%s", root, name, what, fstype, options)

	var (
		kept      []string
		nosymlink bool
		ro        bool
	)
	for _, opt := range strings.Split(options, ",") {
		opt = strings.TrimSpace(opt)
		switch opt {
		case "":
		case "nosymlink":
			nosymlink = true
		default:
			if opt == "ro" {
				ro = true
			}
			kept = append(kept, opt)
		}
	}
	nfsOptions := strings.Join(kept, ",")
	log.Debugf("mount(nfs): nfs options=%q, nosymlink=%v, ro=%v", nfsOptions, nosymlink, ro)

	location, local := what, false
	if !strings.Contains(what, ":") {
		local = true
	} else if !nosymlink {
		location, local = m.bestMount(what)
		if location == "" {
			log.Warn("mount(nfs): no host elected")
			return fmt.Errorf("no host elected from %s: %w", what, common.ErrMountFailed)
		}
		log.Debugf("mount(nfs): from %s elected %s", what, location)
	}

	if local {
		bindOptions := ""
		if ro {
			bindOptions = "ro"
		}
		log.Debugf("mount(nfs): %s is local, doing bind", name)
		return m.bind.Mount(ctx, root, name, location, "bind", bindOptions)
	}

	fullpath, err := common.CatPath(root, name)
	if err != nil {
		return fmt.Errorf("mount(nfs): %w", err)
	}

	log.Debugf("mount(nfs): calling mkdir_path %s", fullpath)
	created, err := common.MkdirPath(fullpath, 0o555)
	if err != nil {
		return fmt.Errorf("mount(nfs): mkdir_path %s: %w", fullpath, err)
	}

	if m.env.isMounted(fullpath) {
		log.Errorf("mount(nfs): warning: %s is already mounted", fullpath)
		return nil
	}

	args := mountArgs(m.env, "nfs", nfsOptions, location, fullpath)
	attempts := 0
	err = util.Retry(ctx, func() error {
		attempts++
		res, err := m.env.Runner.RunLocked(ctx, log.ErrorLevel, m.env.MountProg, args...)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			if res.Retryable && attempts <= m.env.NFSRetries {
				log.Errorf("mount(nfs): nfs: mount failure %s on %s - trying %d more times",
					location, fullpath, m.env.NFSRetries-attempts+1)
			}
			return err
		}
		return nil
	}, nfsRetryOptions(ctx, m.env.NFSRetries, m.env.NFSRetryPause, func(err error) bool {
		return errors.Is(err, spawn.ErrRetryable)
	})...)
	if err != nil {
		if (!m.env.Ghost && name != "") || created {
			common.RmdirPath(fullpath)
		}
		log.Errorf("mount(nfs): nfs: mount failure %s on %s", location, fullpath)
		return fmt.Errorf("nfs mount %s on %s: %w", location, fullpath, common.ErrMountFailed)
	}

	log.Debugf("mount(nfs): mounted %s on %s after %d attempts", location, fullpath, attempts)
	return nil
}

func (m *nfsMounter) Done() error {
	return m.bind.Done()
}

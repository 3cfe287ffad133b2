package iscsi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Node is one portal/target pair, discovered or with an active session.
type Node struct {
	Portal string
	IQN    string
}

// "10.0.0.5:3260,1 iqn.2005-10.org.freenas.ctl:k8s"
var nodeLine = regexp.MustCompile(`^(\S+),-?\d+\s+(\S+)`)

// parseNodes reads discovery or `iscsiadm -m node` output.
func parseNodes(out string) []Node {
	var nodes []Node
	for _, line := range strings.Split(out, "\n") {
		m := nodeLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		nodes = append(nodes, Node{Portal: m[1], IQN: m[2]})
	}
	return nodes
}

// parseSessions reads `iscsiadm -m session` output:
//
//	tcp: [3] 10.0.0.5:3260,1 iqn.2005-10.org.freenas.ctl:k8s (non-flash)
func parseSessions(out string) []Node {
	var sessions []Node
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 4 {
			continue
		}
		portal, _, _ := strings.Cut(f[2], ",")
		sessions = append(sessions, Node{Portal: portal, IQN: f[3]})
	}
	return sessions
}

// Sessions lists the active initiator sessions.
func (r *Resolver) Sessions(ctx context.Context) ([]Node, error) {
	out, err := r.iscsiadm(ctx, "-m", "session")
	if err != nil {
		if exitStatus(err) == exitNoObjects {
			return nil, nil
		}
		return nil, fmt.Errorf("list iSCSI sessions: %w", err)
	}
	return parseSessions(string(out)), nil
}

// EnsureSession discovers spec.IQN on every portal and logs in to each
// discovered node that has no session yet. Unreachable portals are skipped
// as long as one of them yields the target; any failed login fails the call.
func (r *Resolver) EnsureSession(ctx context.Context, spec TargetSpec) error {
	if spec.IQN == "" || len(spec.Portals) == 0 {
		return fmt.Errorf("target %q: an IQN and at least one portal are required", spec.IQN)
	}
	log := r.log.WithValues("iqn", spec.IQN)

	var (
		nodes        []Node
		discoveryErr []error
		seen         = make(map[string]bool)
	)
	for _, portal := range spec.Portals {
		found, err := r.discover(ctx, portal, spec)
		if err != nil {
			log.V(logLevelInfo).Info("Discovery failed", "portal", portal, "error", err.Error())
			discoveryErr = append(discoveryErr, err)
			continue
		}
		for _, n := range found {
			if n.IQN == spec.IQN && !seen[n.Portal] {
				seen[n.Portal] = true
				nodes = append(nodes, n)
			}
		}
	}
	if len(nodes) == 0 {
		err := fmt.Errorf("no portal of %s advertises target %s", strings.Join(spec.Portals, ", "), spec.IQN)
		return errors.Join(append([]error{err}, discoveryErr...)...)
	}

	sessions, err := r.Sessions(ctx)
	if err != nil {
		return err
	}
	active := make(map[Node]bool, len(sessions))
	for _, s := range sessions {
		active[s] = true
	}

	for _, n := range nodes {
		if active[n] {
			log.V(logLevelDebug).Info("Session already active", "portal", n.Portal)
			continue
		}
		if err := r.login(ctx, n, spec); err != nil {
			return err
		}
		log.V(logLevelInfo).Info("Logged in", "portal", n.Portal)
	}
	return nil
}

// discover runs sendtargets discovery against portal. With CHAP the
// discovery record is created and authenticated first.
func (r *Resolver) discover(ctx context.Context, portal string, spec TargetSpec) ([]Node, error) {
	if !spec.CHAP.Enabled() {
		out, err := r.iscsiadm(ctx, "-m", "discovery", "-t", "sendtargets", "-p", portal)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", portal, err)
		}
		return parseNodes(string(out)), nil
	}

	db := []string{"-m", "discoverydb", "-t", "sendtargets", "-p", portal}
	if _, err := r.iscsiadm(ctx, append(db, "-o", "new")...); err != nil {
		return nil, fmt.Errorf("discover %s: create record: %w", portal, err)
	}
	settings := chapSettings("discovery.sendtargets", spec)
	for _, kv := range settings {
		args := append(append([]string{}, db...), "-o", "update", "-n", kv[0], "-v", kv[1])
		if _, err := r.run(ctx, true, "iscsiadm", args...); err != nil {
			return nil, fmt.Errorf("discover %s: set %s: %w", portal, kv[0], err)
		}
	}
	out, err := r.iscsiadm(ctx, append(db, "--discover")...)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", portal, err)
	}
	return parseNodes(string(out)), nil
}

// login configures n for automatic startup and CHAP, then logs in.
func (r *Resolver) login(ctx context.Context, n Node, spec TargetSpec) error {
	rec := []string{"-m", "node", "-T", n.IQN, "-p", n.Portal}

	settings := append(chapSettings("node.session", spec), [2]string{"node.startup", "automatic"})
	for _, kv := range settings {
		args := append(append([]string{}, rec...), "-o", "update", "-n", kv[0], "-v", kv[1])
		if _, err := r.run(ctx, strings.Contains(kv[0], ".auth."), "iscsiadm", args...); err != nil {
			return fmt.Errorf("login %s at %s: set %s: %w", n.IQN, n.Portal, kv[0], err)
		}
	}

	if _, err := r.iscsiadm(ctx, append(rec, "--login")...); err != nil && exitStatus(err) != exitSessionExists {
		return fmt.Errorf("login %s at %s: %w", n.IQN, n.Portal, err)
	}
	return nil
}

// chapSettings returns the iscsiadm keys for spec's credentials under
// prefix. Empty when CHAP is off.
func chapSettings(prefix string, spec TargetSpec) [][2]string {
	c := spec.CHAP
	if !c.Enabled() {
		return nil
	}
	s := [][2]string{
		{prefix + ".auth.authmethod", "CHAP"},
		{prefix + ".auth.username", c.Username},
		{prefix + ".auth.password", c.Password},
	}
	if c.Mutual() {
		s = append(s,
			[2]string{prefix + ".auth.username_in", c.UsernameIn},
			[2]string{prefix + ".auth.password_in", c.PasswordIn})
	}
	return s
}

// Logout ends every session to spec.IQN. Targets without a session are
// ignored.
func (r *Resolver) Logout(ctx context.Context, spec TargetSpec) error {
	sessions, err := r.Sessions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range sessions {
		if s.IQN != spec.IQN {
			continue
		}
		_, err := r.iscsiadm(ctx, "-m", "node", "-T", s.IQN, "-p", s.Portal, "--logout")
		if err != nil && exitStatus(err) != exitNoObjects {
			errs = append(errs, fmt.Errorf("logout %s at %s: %w", s.IQN, s.Portal, err))
			continue
		}
		r.log.V(logLevelInfo).Info("Logged out", "iqn", s.IQN, "portal", s.Portal)
	}
	return errors.Join(errs...)
}

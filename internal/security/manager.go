// Package security grants the configured run-as-user read (and, for the
// inbox/control submission directories, read-write) access to
// daemon-owned paths using POSIX ACLs, so an unprivileged run-as-user can
// submit, cancel, and tail logs even when the daemon itself runs as root.
package security

import (
	"fmt"
	"log/slog"
	"os/user"
	"strconv"

	"github.com/steiler/acls"
	"github.com/wneessen/go-fileperm"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Config configures a Manager.
type Config struct {
	// RunAsUser is the user later Grant/GrantReadWrite calls resolve ACL
	// entries for. Empty means the current user. Grants skip a path only
	// when its "other" permission bits already allow the access; file
	// ownership is not checked.
	RunAsUser string
}

type grantedACL struct {
	path  string
	entry *acls.ACLEntry
}

// Manager applies and later reverts the ACL grants described by a Config.
type Manager struct {
	logger    *slog.Logger
	runAsUser *user.User
	granted   []grantedACL
}

// NewManager resolves RunAsUser and returns a Manager ready to Grant.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	username := cfg.RunAsUser
	if username == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("security: failed to get current user: %w", err)
		}

		username = current.Username
	}

	u, err := user.Lookup(username)
	if err != nil {
		if u, err = user.LookupId(username); err != nil {
			return nil, fmt.Errorf("security: could not resolve run-as-user %q: %w", username, err)
		}
	}

	return &Manager{logger: logger, runAsUser: u}, nil
}

// Grant adds a read (directories: read+execute) POSIX ACL entry for the
// configured run-as-user on every path in paths that it cannot already
// read. Best-effort: a failure on one path is logged and does not stop
// the rest, matching the supervisor's "ACLs are advisory" contract.
func (m *Manager) Grant(paths []string) {
	m.grant(paths, false)
}

// GrantReadWrite adds a read-write (directories: read+write+execute)
// POSIX ACL entry for the configured run-as-user on every path in paths.
// Used for the inbox/control directories, where the run-as-user must be
// able to drop and remove its own submit/cancel files.
func (m *Manager) GrantReadWrite(paths []string) {
	m.grant(paths, true)
}

func (m *Manager) grant(paths []string, writable bool) {
	uid, err := strconv.ParseUint(m.runAsUser.Uid, 10, 32)
	if err != nil {
		m.logger.Error("security: invalid run-as-user uid", "uid", m.runAsUser.Uid, "err", err)

		return
	}

	for _, path := range paths {
		if path == "" {
			continue
		}

		if err := m.grantOne(path, uint32(uid), writable); err != nil {
			m.logger.Warn("security: failed to grant ACL", "path", path, "err", err)
		}
	}
}

func (m *Manager) grantOne(path string, uid uint32, writable bool) error {
	fperms, err := fileperm.New(path)
	if err != nil {
		return fmt.Errorf("stat path: %w", err)
	}

	isDir := fperms.Stat.Mode().IsDir()

	var perms uint16 = 4 // r--

	switch {
	case writable && isDir:
		perms = 7 // rwx
	case writable:
		perms = 6 // rw-
	case isDir:
		perms = 5 // r-x
	}

	if hasOtherAccess(fperms, perms) {
		return nil
	}

	entry := acls.NewEntry(acls.TAG_ACL_USER, uid, perms)

	a := &acls.ACL{}
	if err := a.Load(path, acls.PosixACLAccess); err != nil {
		return fmt.Errorf("load acl: %w", err)
	}

	if err := a.AddEntry(entry); err != nil {
		return fmt.Errorf("add acl entry: %w", err)
	}

	if err := a.Apply(path, acls.PosixACLAccess); err != nil {
		return fmt.Errorf("apply acl: %w", err)
	}

	m.granted = append(m.granted, grantedACL{path: path, entry: entry})
	m.logger.Debug("security: ACL granted", "path", path, "uid", uid)

	return nil
}

// hasOtherAccess reports whether the path's "other" permission bits
// already satisfy perms, making an ACL grant unnecessary.
func hasOtherAccess(p fileperm.PermUser, perms uint16) bool {
	mode := p.Stat.Mode().Perm()

	if perms&4 != 0 && mode&fileperm.OsOthR == 0 {
		return false
	}

	if perms&2 != 0 && mode&fileperm.OsOthW == 0 {
		return false
	}

	if perms&1 != 0 && mode&fileperm.OsOthX == 0 {
		return false
	}

	return true
}

// Revoke removes every ACL entry this Manager granted. Requires
// cap.FOWNER when not running as the path owner; callers that need this
// while dropping privileges should request that capability.
func (m *Manager) Revoke() error {
	for _, g := range m.granted {
		a := &acls.ACL{}

		if err := a.Load(g.path, acls.PosixACLAccess); err != nil {
			return fmt.Errorf("security: load acl for revoke on %s: %w", g.path, err)
		}

		a.DeleteEntry(g.entry)

		if err := a.Apply(g.path, acls.PosixACLAccess); err != nil {
			return fmt.Errorf("security: apply acl for revoke on %s: %w", g.path, err)
		}
	}

	m.granted = nil

	return nil
}

// HasFOwner reports whether the current process holds the FOWNER
// capability, which Revoke needs to strip ACL entries it does not own.
func HasFOwner() bool {
	current := cap.GetProc()

	enabled, err := current.GetFlag(cap.Effective, cap.FOWNER)

	return err == nil && enabled
}

//go:build windows

package monitor

import "github.com/networkupstools/nutmon/pkg/config"

// The privilege split is a UNIX construct; on Windows the daemon always
// runs as a single process.

type ShutdownPipe struct{}

func (p *ShutdownPipe) Trigger() error    { return nil }
func (p *ShutdownPipe) ParentAlive() bool { return true }

func IsSplitChild() bool                       { return false }
func ChildPipe() *ShutdownPipe                 { return nil }
func DropPrivileges(string) error              { return nil }
func RunPrivilegedParent(*config.Config)       {}

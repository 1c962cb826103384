// Package ota is the outward surface of the updater: check, install and
// forced install, one session at a time.
package ota

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/gsmota/internal/engine"
	"github.com/tanq16/gsmota/internal/utils"
)

var (
	ErrSessionInProgress = errors.New("an update session is already in progress")
	ErrNoCandidate       = errors.New("no update candidate, run a check first")
)

type Checker interface {
	Check(ctx context.Context, force bool) (utils.UpdateDescriptor, bool, error)
}

type Installer interface {
	Run(ctx context.Context, desc utils.UpdateDescriptor) (engine.Result, error)
}

type Updater struct {
	checker   Checker
	installer Installer

	session sync.Mutex
	mu      sync.Mutex
	last    *utils.UpdateDescriptor
}

func New(checker Checker, installer Installer) *Updater {
	return &Updater{checker: checker, installer: installer}
}

// CheckForUpdate asks the manifest server for a candidate. A newer candidate
// is remembered for PerformUpdate.
func (u *Updater) CheckForUpdate(ctx context.Context) (utils.UpdateDescriptor, bool, error) {
	if !u.session.TryLock() {
		return utils.UpdateDescriptor{}, false, ErrSessionInProgress
	}
	defer u.session.Unlock()
	return u.check(ctx, false)
}

// PerformUpdate installs the candidate from the last successful check.
func (u *Updater) PerformUpdate(ctx context.Context) (engine.Result, error) {
	if !u.session.TryLock() {
		return engine.Result{}, ErrSessionInProgress
	}
	defer u.session.Unlock()
	u.mu.Lock()
	last := u.last
	u.mu.Unlock()
	if last == nil {
		return engine.Result{}, ErrNoCandidate
	}
	return u.install(ctx, *last)
}

// ForceUpdate installs the image at host:port/path without any version
// comparison.
func (u *Updater) ForceUpdate(ctx context.Context, host string, port int, path, checksum string) (engine.Result, error) {
	if !u.session.TryLock() {
		return engine.Result{}, ErrSessionInProgress
	}
	defer u.session.Unlock()
	if port == 0 {
		port = utils.DefaultManifestPort
	}
	desc := utils.UpdateDescriptor{Host: host, Port: port, Path: path, Checksum: checksum}
	log.Warn().Str("op", "ota").Msgf("Forcing install of %s%s", desc.Address(), path)
	return u.install(ctx, desc)
}

// CheckAndInstall runs a check and, when a candidate is offered, installs it
// within the same session. force skips the version comparison.
func (u *Updater) CheckAndInstall(ctx context.Context, force bool) (engine.Result, bool, error) {
	if !u.session.TryLock() {
		return engine.Result{}, false, ErrSessionInProgress
	}
	defer u.session.Unlock()
	desc, available, err := u.check(ctx, force)
	if err != nil || !available {
		return engine.Result{}, false, err
	}
	res, err := u.install(ctx, desc)
	return res, true, err
}

func (u *Updater) check(ctx context.Context, force bool) (utils.UpdateDescriptor, bool, error) {
	desc, available, err := u.checker.Check(ctx, force)
	if err != nil {
		return desc, false, err
	}
	if available {
		u.mu.Lock()
		u.last = &desc
		u.mu.Unlock()
	}
	return desc, available, nil
}

func (u *Updater) install(ctx context.Context, desc utils.UpdateDescriptor) (engine.Result, error) {
	res, err := u.installer.Run(ctx, desc)
	if err == nil {
		u.mu.Lock()
		u.last = nil
		u.mu.Unlock()
	}
	return res, err
}

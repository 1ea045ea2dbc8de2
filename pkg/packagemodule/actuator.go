/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package packagemodule

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/lock"
	"github.com/convergent/agentcore/pkg/outcome"
)

// PackagePromise is the subset of a packages promise's attributes the
// actuators act on.
type PackagePromise struct {
	Name         string
	Version string // "latest" has special handling
	Architecture string
	FilePath string // set only when installing from a local file
	IfElapsed    time.Duration
	ExpireAfter  time.Duration
}

// Actuator drives Present/Absent package promises against one Module,
// backed by a Cache and guarded by the global package lock (
// "Actuators take cf_lock_global via the Lock Manager before calling a
// provider, since most package managers do not tolerate concurrent
// invocations").
type Actuator struct {
	Module  *Module
	Cache   *Cache
	Locks   *lock.Manager
	SrcFile string
}

// NewActuator wires a Module, its Cache, and the shared lock.Manager into
// one Actuator.
func NewActuator(m *Module, c *Cache, locks *lock.Manager, srcFile string) *Actuator {
	return &Actuator{Module: m, Cache: c, Locks: locks, SrcFile: srcFile}
}

func (a *Actuator) withLock(now time.Time, p PackagePromise, fn func() (outcome.Outcome, error)) (outcome.Outcome, error) {
	name := lock.Name(p.Name, a.SrcFile)
	disp, err := a.Locks.AcquireLock(lock.GlobalPackageLock, p.IfElapsed, p.ExpireAfter, now)
	if err != nil {
		return outcome.FAIL, err
	}
	switch disp {
	case lock.Skipped:
		klog.V(3).InfoS("packages promise skipped: ifelapsed", "package", p.Name, "lock", name)
		return outcome.SKIPPED, nil
	case lock.Held:
		klog.V(2).InfoS("packages promise skipped: lock held", "package", p.Name, "lock", name)
		return outcome.SKIPPED, nil
	}
	defer func() {
		if err := a.Locks.YieldLock(lock.GlobalPackageLock, time.Now()); err != nil {
			klog.ErrorS(err, "failed to yield package lock", "lock", name)
		}
	}()
	return fn()
}

// Present brings p into an installed state ("package_policy =>
// present" actuator).
//
// - version="latest" is resolved against the updates cache (refreshed
// first unless recently refreshed) rather than sent to the provider
// literally, since providers are not required to understand it.
// - a FilePath install's declared Version/Architecture, if any, must
// match what get-package-data reports for that file; a mismatch is a
// FAIL, not a silent coercion.
// - already-cached packages are a NOOP without invoking the provider.
func (a *Actuator) Present(ctx context.Context, now time.Time, p PackagePromise) (outcome.Outcome, error) {
	return a.withLock(now, p, func() (outcome.Outcome, error) {
		version := p.Version
		if version == "latest" {
			resolved, err := a.resolveLatest(ctx, now, p)
			if err != nil {
				return outcome.FAIL, err
			}
			if resolved == "" {
				klog.V(2).InfoS("packages promise: no newer version available", "package", p.Name)
				return outcome.NOOP, nil
			}
			version = resolved
		}

		if p.FilePath != "" {
			info, err := a.Module.GetPackageData(ctx, p.FilePath)
			if err != nil {
				return outcome.FAIL, err
			}
			if p.Version != "" && p.Version != "latest" && info.Version != p.Version {
				return outcome.FAIL, fmt.Errorf("packages %s: file %s reports version %s, promise requires %s", p.Name, p.FilePath, info.Version, p.Version)
			}
			if p.Architecture != "" && info.Architecture != p.Architecture {
				return outcome.FAIL, fmt.Errorf("packages %s: file %s reports architecture %s, promise requires %s", p.Name, p.FilePath, info.Architecture, p.Architecture)
			}
			version = info.Version
		}

		if err := a.Cache.RefreshInstalled(ctx, a.Module, now, p.IfElapsed, false); err != nil {
			klog.ErrorS(err, "packages promise: installed cache refresh failed", "package", p.Name)
		}
		if cached, err := a.Cache.IsPackageInCache(p.Name, version, p.Architecture); err == nil && cached {
			return outcome.NOOP, nil
		}

		var err error
		if p.FilePath != "" {
			err = a.Module.FileInstall(ctx, p.FilePath, p.Name, version, p.Architecture)
		} else {
			err = a.Module.RepoInstall(ctx, p.Name, version, p.Architecture)
		}
		if err != nil {
			return outcome.FAIL, fmt.Errorf("packages %s: install: %w", p.Name, err)
		}

		if err := a.Cache.RefreshInstalled(ctx, a.Module, time.Now(), 0, true); err != nil {
			klog.ErrorS(err, "packages promise: post-install cache refresh failed", "package", p.Name)
		}
		confirmed, err := a.Cache.IsPackageInCache(p.Name, version, p.Architecture)
		if err != nil {
			return outcome.FAIL, err
		}
		if !confirmed {
			return outcome.FAIL, fmt.Errorf("packages %s: install reported success but package is not present after refresh", p.Name)
		}
		return outcome.CHANGE, nil
	})
}

// Absent removes p ("package_policy => absent" actuator). A
// version of "latest" is rejected: absence is a predicate over the
// installed set, not a version to resolve.
func (a *Actuator) Absent(ctx context.Context, now time.Time, p PackagePromise) (outcome.Outcome, error) {
	if p.Version == "latest" {
		return outcome.FAIL, fmt.Errorf("packages %s: package_policy=absent cannot be combined with package_version=latest", p.Name)
	}
	return a.withLock(now, p, func() (outcome.Outcome, error) {
		if err := a.Cache.RefreshInstalled(ctx, a.Module, now, p.IfElapsed, false); err != nil {
			klog.ErrorS(err, "packages promise: installed cache refresh failed", "package", p.Name)
		}
		cached, err := a.Cache.IsPackageInCache(p.Name, p.Version, p.Architecture)
		if err != nil {
			return outcome.FAIL, err
		}
		if !cached && p.Version != "" {
			return outcome.NOOP, nil
		}

		if err := a.Module.Remove(ctx, p.Name, p.Version, p.Architecture); err != nil {
			return outcome.FAIL, fmt.Errorf("packages %s: remove: %w", p.Name, err)
		}

		if err := a.Cache.RemoveInstalled(p.Name); err != nil {
			klog.ErrorS(err, "packages promise: failed to update installed cache after removal", "package", p.Name)
		}
		return outcome.CHANGE, nil
	})
}

// resolveLatest turns a package_version=latest promise into a concrete
// version string by consulting the updates cache, refreshing it first
// unless it was refreshed within IfElapsed. Returns "" if no update is
// available (the installed version, whatever it is, already satisfies
// "latest").
func (a *Actuator) resolveLatest(ctx context.Context, now time.Time, p PackagePromise) (string, error) {
	if err := a.Cache.RefreshUpdates(ctx, a.Module, now, p.IfElapsed, false); err != nil {
		return "", err
	}
	avail, err := a.Cache.Updates(p.Name)
	if err != nil {
		return "", err
	}
	var best string
	for _, u := range avail {
		if p.Architecture != "" && u.Architecture != p.Architecture {
			continue
		}
		// Providers report updates in their own preferred order; the last
		// entry for a matching architecture is taken as newest, consistent
		// with how list-updates records are expected to be emitted already
		// sorted oldest-to-newest.
		best = u.Version
	}
	return best, nil
}

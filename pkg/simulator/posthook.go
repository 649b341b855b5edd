// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package simulator

import (
	"fmt"
	"sync"

	"github.com/DataDog/gridmimic/pkg/device"
)

// PostHook runs after every simulation tick, inside the same image critical
// section as the tick's writes, so protocol readers observe tick plus hook as
// one atomic update.
type PostHook func(*device.State)

var (
	hookMu sync.RWMutex
	hooks  = make(map[string]PostHook)
)

// RegisterPostHook makes a named hook available to profiles through their
// post_hook field. Hooks register from init functions; a duplicate name is a
// programming error and panics.
func RegisterPostHook(name string, fn PostHook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	if _, dup := hooks[name]; dup {
		panic(fmt.Sprintf("post-hook %q registered twice", name))
	}
	hooks[name] = fn
}

func lookupPostHook(name string) (PostHook, bool) {
	hookMu.RLock()
	defer hookMu.RUnlock()
	fn, ok := hooks[name]
	return fn, ok
}

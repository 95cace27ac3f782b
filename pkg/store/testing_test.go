// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// newTestStore spins up a miniredis instance and a Store over it, used by
// every test in this package and re-declared per _test package boundary
// where needed (pkg/broker/* tests keep their own copy since Go test
// helpers are not exported across packages).
func newTestStore() (*store.Store, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st, err := store.New(client, logr.Discard(), nil)
	if err != nil {
		panic(err)
	}
	return st, mr, func() {
		_ = client.Close()
		mr.Close()
	}
}

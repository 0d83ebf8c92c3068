// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/weiwenchen2022/streampool/driver"
)

// A Validator decides whether a session is healthy enough to reuse.
// It is called with the session's lock held and must not retain s.
//
// A Validator that returns an error or panics marks the session as
// invalid; the pool discards it.
type Validator interface {
	Validate(ctx context.Context, s driver.Session) error
}

// The ValidatorFunc type is an adapter to allow the use of
// ordinary functions as Validator.
type ValidatorFunc func(ctx context.Context, s driver.Session) error

// Validate returns f(ctx, s).
func (f ValidatorFunc) Validate(ctx context.Context, s driver.Session) error {
	return f(ctx, s)
}

// ProbeValidator calls driver.Prober.Probe if the session implements it.
// Sessions without a probe are considered valid.
//
// A probe is a liveness check. It can pass on a session that still has
// unread result frames; abandoned streams are caught by the pool before
// any validator runs.
var ProbeValidator Validator = ValidatorFunc(probe)

func probe(ctx context.Context, s driver.Session) error {
	if p, ok := s.(driver.Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

// QueryValidator returns a Validator that executes query and reads its
// result to the end, e.g. QueryValidator("SELECT 1").
func QueryValidator(query string) Validator {
	return ValidatorFunc(func(ctx context.Context, s driver.Session) error {
		rs, err := s.Execute(ctx, query)
		if err != nil {
			return err
		}
		return drain(rs)
	})
}

// drain reads rs to io.EOF.
func drain(rs driver.RowStream) error {
	for {
		if _, err := rs.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// runValidator calls v, converting a panic into an error.
func runValidator(ctx context.Context, v Validator, s driver.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return v.Validate(ctx, s)
}

// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import "github.com/sirupsen/logrus"

// newLogger returns the pool's logger; l may be nil.
func newLogger(l logrus.FieldLogger) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", "streampool")
}

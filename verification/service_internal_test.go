// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maunium.net/go/mautrix/event"
)

func TestIntersectMethods(t *testing.T) {
	sas := event.VerificationMethodSAS
	show := event.VerificationMethodQRCodeShow
	scan := event.VerificationMethodQRCodeScan

	tests := []struct {
		name     string
		ours     []event.VerificationMethod
		theirs   []event.VerificationMethod
		expected []event.VerificationMethod
	}{
		{"identical", []event.VerificationMethod{sas, show}, []event.VerificationMethod{sas, show}, []event.VerificationMethod{sas, show}},
		{"partial overlap", []event.VerificationMethod{sas, show, scan}, []event.VerificationMethod{scan, sas}, []event.VerificationMethod{sas, scan}},
		{"disjoint", []event.VerificationMethod{show}, []event.VerificationMethod{scan}, nil},
		{"theirs empty", []event.VerificationMethod{sas}, nil, nil},
		{"ours empty", nil, []event.VerificationMethod{sas}, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, intersectMethods(test.ours, test.theirs))
		})
	}
}

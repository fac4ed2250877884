// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import "github.com/pkg/errors"

// Backend call failures collapse into four classes. The executor treats all
// four the same way (log and continue per item, abort the run at the
// pagination level); the split exists for log detail and operator diagnosis.
var (
	// ErrConnection covers transport failures: refused, reset, timeout, DNS.
	ErrConnection = errors.New("backend connection failed")

	// ErrAuth covers rejected or missing API keys.
	ErrAuth = errors.New("backend authentication failed")

	// ErrRemoteRateLimited is the backend pushing back with 429.
	ErrRemoteRateLimited = errors.New("backend rate limited the request")

	// ErrAPI covers every other non-2xx response.
	ErrAPI = errors.New("backend API error")
)

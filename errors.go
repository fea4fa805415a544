// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import "errors"

var (
	errNoTransportProvided = errors.New("dtlssession: no transport provided")
	errNoAdapterProvided   = errors.New("dtlssession: no crypto adapter provided")
)

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package pion

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
)

// parkedSession holds a live *dtls.Conn that SaveAndClose has detached
// from the engine's table but not actually released, so LoadSession can
// reattach it later. See pionEstablishedContext.SaveAndClose.
type parkedSession struct {
	conn *dtls.Conn
	pipe *pipePacketConn
}

var parked sync.Map // token string -> *parkedSession

func parkSession(conn *dtls.Conn, pipe *pipePacketConn) string {
	token := uuid.NewString()
	parked.Store(token, &parkedSession{conn: conn, pipe: pipe})
	return token
}

func reclaimSession(token string) (*parkedSession, bool) {
	v, ok := parked.LoadAndDelete(token)
	if !ok {
		return nil, false
	}
	return v.(*parkedSession), true
}

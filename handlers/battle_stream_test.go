package handlers

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"battle-orchestrator/services"
)

func TestWriteBattleEvent(t *testing.T) {
	_, orch, _ := newTestApp(t)
	h := NewBattleHandler(orch)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	var last *battleSnapshot

	changed, err := h.writeBattleEvent(w, &last, true)
	w.Flush()
	if err != nil || !changed || !strings.HasPrefix(buf.String(), "event: idle") {
		t.Fatalf("initial idle: changed=%v err=%v out=%q", changed, err, buf.String())
	}

	buf.Reset()
	if changed, _ := h.writeBattleEvent(w, &last, false); changed {
		t.Error("repeated idle should not be re-sent")
	}

	b, err := orch.Battles.CreateBattle(context.Background())
	if err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	changed, _ = h.writeBattleEvent(w, &last, false)
	w.Flush()
	if !changed || !strings.Contains(buf.String(), "event: battle") || !strings.Contains(buf.String(), b.ID) {
		t.Fatalf("battle event: changed=%v out=%q", changed, buf.String())
	}

	buf.Reset()
	if changed, _ := h.writeBattleEvent(w, &last, false); changed {
		t.Error("unchanged battle should not be re-sent")
	}

	orch.Join(context.Background(), services.JoinRequest{UserAddress: "0xa"})
	changed, _ = h.writeBattleEvent(w, &last, false)
	w.Flush()
	if !changed || !strings.Contains(buf.String(), `"participants_count":1`) {
		t.Errorf("join should push an update: changed=%v out=%q", changed, buf.String())
	}
}

package model

import "testing"

func TestQueueItem_IsStuck(t *testing.T) {
	tests := []struct {
		name string
		item QueueItem
		want bool
	}{
		{"importPending", QueueItem{TrackedState: StateImportPending}, true},
		{"importBlocked", QueueItem{TrackedState: StateImportBlocked}, true},
		{"importing is not stuck", QueueItem{TrackedState: StateImporting}, false},
		{"stuck marker in message", QueueItem{StatusMessages: []string{"Manual Import Required"}}, true},
		{"no files found marker", QueueItem{StatusMessages: []string{"no files found are eligible for import"}}, true},
		{"unrelated message", QueueItem{StatusMessages: []string{"downloading at 4.2 MB/s"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.IsStuck(); got != tt.want {
				t.Errorf("IsStuck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecision_IsMutating(t *testing.T) {
	if !(Decision{Kind: ForceImport}).IsMutating() {
		t.Error("force_import should be mutating")
	}
	if !(Decision{Kind: RemovePublic}).IsMutating() {
		t.Error("remove_public should be mutating")
	}
	if (Decision{Kind: KeepPrivate}).IsMutating() {
		t.Error("keep_private should not be mutating")
	}
	if (Decision{Kind: NoAction}).IsMutating() {
		t.Error("no_action should not be mutating")
	}
}

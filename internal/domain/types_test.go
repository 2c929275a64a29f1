package domain

import "testing"

func TestDialogTransitions(t *testing.T) {
	allowed := [][2]DialogStatus{
		{DialogStatusNew, DialogStatusActive},
		{DialogStatusActive, DialogStatusResolved},
		{DialogStatusActive, DialogStatusEscalated},
		{DialogStatusActive, DialogStatusTransferred},
		{DialogStatusResolved, DialogStatusActive},
		{DialogStatusTransferred, DialogStatusActive},
		{DialogStatusEscalated, DialogStatusResolved},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("transition %s -> %s must be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]DialogStatus{
		{DialogStatusNew, DialogStatusResolved},
		{DialogStatusResolved, DialogStatusEscalated},
		{DialogStatusTransferred, DialogStatusResolved},
		{DialogStatusActive, DialogStatusNew},
	}
	for _, pair := range forbidden {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("transition %s -> %s must be rejected", pair[0], pair[1])
		}
	}
}

func TestRecoverableStatuses(t *testing.T) {
	if !Recoverable(DialogStatusResolved) || !Recoverable(DialogStatusTransferred) {
		t.Fatalf("resolved and transferred dialogs must be recoverable by a new message")
	}
	if Recoverable(DialogStatusActive) || Recoverable(DialogStatusEscalated) || Recoverable(DialogStatusNew) {
		t.Fatalf("only closed-out dialogs are recoverable")
	}
}

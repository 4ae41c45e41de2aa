package cryptoutil

import (
	"testing"
	"time"
)

func TestIssueAndVerifyInvite(t *testing.T) {
	inviter, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	body := InviteBody{
		InviterNodeID: inviter.ID().String(),
		InviterPub:    inviter.PublicKeyB64(),
		RelayHints:    []string{"relay.example:8443"},
		Scopes:        []string{"dm"},
		IssuedAt:      time.Now().Unix(),
		ExpiresAt:     time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueInvite(inviter, body)
	if err != nil {
		t.Fatalf("IssueInvite() error = %v", err)
	}

	got, err := VerifyInvite(token, inviter.ID().String(), time.Now())
	if err != nil {
		t.Fatalf("VerifyInvite() error = %v", err)
	}
	if got.InviterNodeID != body.InviterNodeID {
		t.Errorf("VerifyInvite() inviter = %q, want %q", got.InviterNodeID, body.InviterNodeID)
	}
}

func TestVerifyInviteRejectsExpired(t *testing.T) {
	inviter, _ := GenerateKeyPair()
	body := InviteBody{
		InviterNodeID: inviter.ID().String(),
		InviterPub:    inviter.PublicKeyB64(),
		IssuedAt:      time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt:     time.Now().Add(-time.Hour).Unix(),
	}
	token, err := IssueInvite(inviter, body)
	if err != nil {
		t.Fatalf("IssueInvite() error = %v", err)
	}

	if _, err := VerifyInvite(token, inviter.ID().String(), time.Now()); err != ErrInviteExpired {
		t.Errorf("VerifyInvite() error = %v, want ErrInviteExpired", err)
	}
}

func TestVerifyInviteRejectsWrongInviter(t *testing.T) {
	inviter, _ := GenerateKeyPair()
	impostor, _ := GenerateKeyPair()

	body := InviteBody{
		InviterNodeID: inviter.ID().String(),
		InviterPub:    inviter.PublicKeyB64(),
		IssuedAt:      time.Now().Unix(),
		ExpiresAt:     time.Now().Add(time.Hour).Unix(),
	}
	token, err := IssueInvite(inviter, body)
	if err != nil {
		t.Fatalf("IssueInvite() error = %v", err)
	}

	if _, err := VerifyInvite(token, impostor.ID().String(), time.Now()); err == nil {
		t.Error("VerifyInvite() accepted a token issued by a different node")
	}
}

func TestVerifyInviteRejectsTamperedBody(t *testing.T) {
	inviter, _ := GenerateKeyPair()
	body := InviteBody{
		InviterNodeID: inviter.ID().String(),
		InviterPub:    inviter.PublicKeyB64(),
		IssuedAt:      time.Now().Unix(),
		ExpiresAt:     time.Now().Add(time.Hour).Unix(),
		Scopes:        []string{"dm"},
	}
	token, err := IssueInvite(inviter, body)
	if err != nil {
		t.Fatalf("IssueInvite() error = %v", err)
	}

	tampered := token[:len(token)-4] + "AAAA"
	if _, err := VerifyInvite(tampered, inviter.ID().String(), time.Now()); err == nil {
		t.Error("VerifyInvite() accepted a tampered token")
	}
}

package client

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"handoff/internal/server/accounts"
	"handoff/internal/server/api"
	"handoff/internal/server/auth"
	"handoff/internal/server/broker"
	"handoff/internal/server/config"
	"handoff/internal/server/ledger"
	"handoff/internal/server/service"
	"handoff/internal/server/storage"
)

// startServer runs a full in-memory server and registers two accounts.
func startServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	tokens, err := auth.NewTokens("test-secret-0123456789abcdef", time.Hour, 15*time.Minute)
	if err != nil {
		t.Fatalf("failed to create tokens: %v", err)
	}
	accountsSvc := accounts.NewService(accounts.NewMemoryRepository(), tokens)
	led := ledger.NewMemoryLedger()
	b := broker.New(led, accountsSvc, tokens, broker.DefaultMaxAttempts)
	svc := service.NewTransferService(led, storage.NewMemoryStore(), b, accountsSvc, 0)

	e := api.SetupRouter(api.NewHandler(accountsSvc, svc, nil), &config.Config{
		MaxFileSize:    10 * 1024 * 1024,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	ctx := context.Background()
	if _, err := accountsSvc.Register(ctx, "sender@example.com", "password123", accounts.RoleOwner); err != nil {
		t.Fatalf("failed to register sender: %v", err)
	}
	receiver, err := accountsSvc.Register(ctx, "receiver@example.com", "password123", accounts.RoleClient)
	if err != nil {
		t.Fatalf("failed to register receiver: %v", err)
	}
	return ts, receiver.ID
}

func TestClientRoundTrip(t *testing.T) {
	ts, receiverID := startServer(t)
	ctx := context.Background()

	sender := New(ts.URL)
	if err := sender.Login(ctx, "sender@example.com", "password123"); err != nil {
		t.Fatalf("failed to log in: %v", err)
	}
	if sender.SessionToken() == "" {
		t.Fatal("expected a session token after login")
	}

	receipt, err := sender.Send(ctx, receiverID, "", []Upload{
		{Filename: "notes.txt", Data: []byte("hello over the wire")},
	})
	if err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if !receipt.Generated || receipt.AccessCode == "" {
		t.Fatalf("expected a generated access code, got %+v", receipt)
	}

	receiver := New(ts.URL)
	if err := receiver.Login(ctx, "receiver@example.com", "password123"); err != nil {
		t.Fatalf("failed to log in receiver: %v", err)
	}
	inbox, err := receiver.Inbox(ctx)
	if err != nil {
		t.Fatalf("failed to list inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].TransferID != receipt.TransferID {
		t.Fatalf("unexpected inbox: %+v", inbox)
	}
	if inbox[0].SenderEmail != "sender@example.com" {
		t.Errorf("expected sender email, got %q", inbox[0].SenderEmail)
	}

	token, err := receiver.Verify(ctx, receipt.TransferID, receipt.AccessCode)
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}

	var bundle bytes.Buffer
	if err := receiver.FetchBundle(ctx, receipt.TransferID, token, &bundle); err != nil {
		t.Fatalf("failed to fetch bundle: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(bundle.Bytes()), int64(bundle.Len()))
	if err != nil {
		t.Fatalf("bundle is not a valid zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "notes.txt" {
		t.Fatalf("unexpected bundle contents: %+v", zr.File)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("failed to open bundle entry: %v", err)
	}
	defer rc.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("failed to read bundle entry: %v", err)
	}
	if buf.String() != "hello over the wire" {
		t.Errorf("bundle entry content %q", buf.String())
	}
}

func TestClientErrors(t *testing.T) {
	ts, receiverID := startServer(t)
	ctx := context.Background()

	c := New(ts.URL)

	t.Run("bad login", func(t *testing.T) {
		err := c.Login(ctx, "sender@example.com", "wrong-pass")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 401 {
			t.Errorf("expected 401 APIError, got %v", err)
		}
	})

	t.Run("send without login", func(t *testing.T) {
		_, err := New(ts.URL).Send(ctx, receiverID, "AB12CD34", []Upload{
			{Filename: "a.txt", Data: []byte("x")},
		})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 401 {
			t.Errorf("expected 401 APIError, got %v", err)
		}
	})

	t.Run("wrong access code", func(t *testing.T) {
		if err := c.Login(ctx, "sender@example.com", "password123"); err != nil {
			t.Fatalf("failed to log in: %v", err)
		}
		receipt, err := c.Send(ctx, receiverID, "AB12CD34", []Upload{
			{Filename: "a.txt", Data: []byte("x")},
		})
		if err != nil {
			t.Fatalf("failed to send: %v", err)
		}
		_, err = c.Verify(ctx, receipt.TransferID, "WRONG000")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 401 {
			t.Errorf("expected 401 APIError, got %v", err)
		}
	})
}

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"testing"
	"time"

	"scribe/internal/api"
	"scribe/internal/client"
	"scribe/internal/models"

	"github.com/stretchr/testify/require"
)

const adminPassword = "integration-admin-pass"

func TestIntegration(t *testing.T) {
	// Setup temporary DB, uploads dir and ports
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile) // cleanup before
	defer func() { _ = os.Remove(dbFile) }()

	uploadsDir, err := os.MkdirTemp("", "scribe_uploads")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(uploadsDir) }()

	adminAddr := "127.0.0.1:8899"
	apiAddr := ":8898"
	apiBase := "http://localhost:8898"

	_ = os.Setenv("SCRIBE_DB", dbFile)
	_ = os.Setenv("ADMIN_ADDR", adminAddr)
	_ = os.Setenv("API_ADDR", apiAddr)
	_ = os.Setenv("AUTH_SECRET", "very-secure-test-secret")
	_ = os.Setenv("ADMIN_PASSWORD", adminPassword)
	_ = os.Setenv("UPLOADS_PATH", uploadsDir)
	defer func() {
		_ = os.Unsetenv("SCRIBE_DB")
		_ = os.Unsetenv("ADMIN_ADDR")
		_ = os.Unsetenv("API_ADDR")
		_ = os.Unsetenv("AUTH_SECRET")
		_ = os.Unsetenv("ADMIN_PASSWORD")
		_ = os.Unsetenv("UPLOADS_PATH")
	}()

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, ""); err != nil {
			// run returns context.Canceled on shutdown, ignore it
			if err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/users", adminAddr), 20)

	httpc := &http.Client{}

	// Step 1: Provision two users via the admin API
	alice := provisionUser(t, httpc, adminAddr, "alice", "Alice")
	bob := provisionUser(t, httpc, adminAddr, "bob", "Bob")

	// Step 2: Requests without a token are rejected
	{
		resp, err := httpc.Get(apiBase + "/api/me")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// Step 3: Verify identity and the contact picker
	{
		var me models.User
		doAuthed(t, httpc, alice.Token, "GET", apiBase+"/api/me", nil, &me)
		require.Equal(t, alice.User.ID, me.ID)
		require.Equal(t, "Alice", me.DisplayName)

		var users []models.User
		doAuthed(t, httpc, alice.Token, "GET", apiBase+"/api/users", nil, &users)
		require.Len(t, users, 2)
	}

	// Step 4: Alice opens a conversation with Bob; repeated calls resolve to
	// the same conversation.
	var conv api.ConversationView
	doAuthed(t, httpc, alice.Token, "GET", apiBase+"/api/messages/conversations/with/"+bob.User.ID, nil, &conv)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, bob.User.ID, conv.Peer.ID)

	var convAgain api.ConversationView
	doAuthed(t, httpc, bob.Token, "GET", apiBase+"/api/messages/conversations/with/"+alice.User.ID, nil, &convAgain)
	require.Equal(t, conv.ID, convAgain.ID)

	// Step 5: Bob connects over the socket and opens the thread
	bobClient := client.NewController(apiBase, bob.Token)
	require.NoError(t, bobClient.Connect(ctx))
	defer bobClient.Close()
	require.NoError(t, bobClient.Open(ctx, conv.ID))

	// Step 6: Alice sends a message over HTTP; Bob receives it live
	var sent models.Message
	doAuthed(t, httpc, alice.Token, "POST", apiBase+"/api/messages/messages",
		api.SendMessageRequest{ConversationID: conv.ID, Text: "hello *bob*"}, &sent)
	require.NotEmpty(t, sent.ID)
	require.Equal(t, alice.User.ID, sent.SenderID)
	require.Contains(t, sent.HTML, "<em>bob</em>")

	require.Eventually(t, func() bool {
		for _, entry := range bobClient.Messages(conv.ID) {
			if entry.Message.ID == sent.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "bob never received the message over the socket")

	// The open thread marks itself read, so Bob's badge stays at zero.
	require.Eventually(t, func() bool {
		var count struct {
			UnreadCount int `json:"unreadCount"`
		}
		doAuthed(t, httpc, bob.Token, "GET", apiBase+"/api/messages/unread-count", nil, &count)
		return count.UnreadCount == 0
	}, 5*time.Second, 50*time.Millisecond)

	// Step 7: Bob replies through the controller; Alice sees it in the page
	// and on her unread badge
	require.NoError(t, bobClient.Send(ctx, conv.ID, "hi alice"))

	var page []models.Message
	require.Eventually(t, func() bool {
		doAuthed(t, httpc, alice.Token, "GET",
			fmt.Sprintf("%s/api/messages/conversations/%s/messages?limit=50", apiBase, conv.ID), nil, &page)
		return len(page) == 2
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, sent.ID, page[0].ID)
	require.Equal(t, "hi alice", page[1].Text)
	require.Less(t, page[0].CreatedAt, page[1].CreatedAt)

	var count struct {
		UnreadCount int `json:"unreadCount"`
	}
	doAuthed(t, httpc, alice.Token, "GET", apiBase+"/api/messages/unread-count", nil, &count)
	require.Equal(t, 1, count.UnreadCount)

	doAuthed(t, httpc, alice.Token, "PUT",
		fmt.Sprintf("%s/api/messages/conversations/%s/read", apiBase, conv.ID), nil, nil)
	doAuthed(t, httpc, alice.Token, "GET", apiBase+"/api/messages/unread-count", nil, &count)
	require.Equal(t, 0, count.UnreadCount)

	// Step 8: Sender-only delete
	{
		req, err := http.NewRequest("DELETE", apiBase+"/api/messages/messages/"+sent.ID, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+bob.Token)
		resp, err := httpc.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
	doAuthed(t, httpc, alice.Token, "DELETE", apiBase+"/api/messages/messages/"+sent.ID, nil, nil)
	doAuthed(t, httpc, alice.Token, "GET",
		fmt.Sprintf("%s/api/messages/conversations/%s/messages", apiBase, conv.ID), nil, &page)
	require.Len(t, page, 1)
	require.Equal(t, "hi alice", page[0].Text)

	// Step 9: Avatar upload round trip with a minimal valid PNG
	{
		pngBase64 := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
		pngDecoded, err := base64.StdEncoding.DecodeString(pngBase64)
		require.NoError(t, err)

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("avatar", "avatar.png")
		require.NoError(t, err)
		_, err = part.Write(pngDecoded)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest("POST", apiBase+"/api/users/me/avatar", &body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+alice.Token)
		resp, err := httpc.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var updated models.User
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
		require.Contains(t, updated.AvatarURL, "/api/files/")

		avatarResp, err := httpc.Get(apiBase + updated.AvatarURL)
		require.NoError(t, err)
		_ = avatarResp.Body.Close()
		require.Equal(t, http.StatusOK, avatarResp.StatusCode)
		require.Equal(t, "image/png", avatarResp.Header.Get("Content-Type"))
	}
}

func provisionUser(t *testing.T, httpc *http.Client, adminAddr, username, displayName string) api.AddUserResponse {
	t.Helper()

	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, DisplayName: displayName})
	require.NoError(t, err)
	req, err := http.NewRequest("POST", fmt.Sprintf("http://%s/admin/users", adminAddr), bytes.NewBuffer(reqBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", adminPassword)

	resp, err := httpc.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.User.ID)
	require.NotEmpty(t, out.Token)
	return out
}

func doAuthed(t *testing.T, httpc *http.Client, token, method, url string, body, out any) {
	t.Helper()

	var reqBody *bytes.Buffer = &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpc.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s %s", method, url)

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	req, _ := http.NewRequest("GET", urlStr, nil)
	req.SetBasicAuth("admin", adminPassword)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"scribe/internal/content"
	"scribe/internal/filestore"
	"scribe/internal/models"
	"scribe/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxUploadSize = 5 << 20 // 5 MiB

// UsersHandler lists all active users (the contact picker).
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.store.ListUsers()
	if err != nil {
		a.writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, users)
}

// MeHandler returns the caller's own profile.
func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.store.GetUser(userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, user)
}

// UpdateDisplayNameHandler changes the caller's display name.
func (a *API) UpdateDisplayNameHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		http.Error(w, "Display name is required", http.StatusBadRequest)
		return
	}

	user, err := a.store.GetUser(userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	user.DisplayName = displayName
	if err := a.store.UpsertUser(user); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, user)
}

// UploadAvatarHandler accepts an image upload and points the caller's
// avatar at it.
func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request, userID string) {
	meta, err := a.saveUpload(r, "avatar", userID, true)
	if err != nil {
		a.writeError(w, err)
		return
	}

	user, err := a.store.GetUser(userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	user.AvatarURL = "/api/files/" + meta.ID
	if err := a.store.UpsertUser(user); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, user)
}

// UploadHandler accepts a message attachment upload and returns the
// attachment descriptor to embed in a send request.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	meta, err := a.saveUpload(r, "file", userID, false)
	if err != nil {
		a.writeError(w, err)
		return
	}

	attachmentType := models.AttachmentTypeFile
	if isImageMime(meta.MimeType) {
		attachmentType = models.AttachmentTypeImage
	}

	writeJSON(w, models.Attachment{
		Type:     attachmentType,
		Name:     meta.Name,
		MimeType: meta.MimeType,
		FileID:   meta.ID,
	})
}

// FileHandler serves a stored upload. Files are public by ID; IDs are
// random UUIDs.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.store.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	f, err := a.files.Get(meta.Hash)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		return // client went away
	}
}

func (a *API) saveUpload(r *http.Request, field, userID string, imageOnly bool) (storage.FileMetadata, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return storage.FileMetadata{}, models.ErrValidation
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return storage.FileMetadata{}, models.ErrValidation
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return storage.FileMetadata{}, err
	}
	if len(data) == 0 || len(data) > maxUploadSize {
		return storage.FileMetadata{}, models.ErrValidation
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return storage.FileMetadata{}, models.ErrValidation
	}
	if imageOnly && !filetype.IsImage(data) {
		return storage.FileMetadata{}, models.ErrValidation
	}

	hash := filestore.HashBytes(data)
	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		return storage.FileMetadata{}, err
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      content.Escape(header.Filename),
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
		UserID:    userID,
	}
	if err := a.store.UpsertFileMetadata(meta); err != nil {
		return storage.FileMetadata{}, err
	}
	return meta, nil
}

func isImageMime(mime string) bool {
	return len(mime) > 6 && mime[:6] == "image/"
}

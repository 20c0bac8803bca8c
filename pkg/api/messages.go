package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

// listChannelMessages returns the channel history in creation order, with
// sender and reply-target summaries populated. Clients call this on screen
// open and after a reconnect to reconcile what the socket missed.
func listChannelMessages(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelID"]
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := store.ListMessages(channelID, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range msgs {
		store.PopulateSender(&msgs[i])
		if msgs[i].ParentID != "" && msgs[i].Parent == nil {
			if parent, err := store.GetMessage(msgs[i].ParentID); err == nil {
				store.PopulateSender(&parent)
				msgs[i].Parent = &parent
			}
		}
	}
	logger.Debug("messages_listed", "channel", channelID, "count", len(msgs))
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ChannelID string           `json:"channelId"`
		Messages  []models.Message `json:"messages"`
	}{ChannelID: channelID, Messages: msgs})
}

// createFileMessage ingests an attachment message after the client finished
// its presigned upload. It takes the same dual path as a websocket send:
// immediate bus echo plus durable log append.
func createFileMessage(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelID"]
	senderID := auth.UserFromContext(r.Context())

	var body struct {
		TempID string          `json:"tempId"`
		Text   string          `json:"text"`
		File   *models.FileRef `json:"file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.TempID == "" || body.File == nil || body.File.URL == "" {
		utils.JSONError(w, http.StatusBadRequest, "file message requires tempId and file url")
		return
	}

	m := models.Message{
		TempID:    body.TempID,
		ChannelID: channelID,
		SenderID:  senderID,
		Text:      body.Text,
		File:      body.File,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	durable, err := models.NewEnvelope(models.EventSendMessage, m)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := deps.Log.Append(r.Context(), channelID, durable); err != nil {
		logger.Error("file_message_append_failed", "channel", channelID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "message not persisted")
		return
	}
	echo, err := models.NewEnvelope(models.EventReceiveMessage, m)
	if err == nil {
		if err := deps.Bus.Publish(r.Context(), channelID, echo); err != nil {
			logger.Error("file_message_publish_failed", "channel", channelID, "error", err)
		}
	}
	logger.Info("file_message_accepted", "channel", channelID, "sender", senderID)
	_ = utils.JSONWrite(w, http.StatusAccepted, m)
}

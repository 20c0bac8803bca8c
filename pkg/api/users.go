package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

// upsertUser mirrors a user summary into the store. Backend-only: the
// application's user service pushes profile changes here so delivered
// messages carry current names and avatars.
func upsertUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var u models.UserSummary
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if u.ID == "" {
		u.ID = id
	}
	if u.ID != id {
		utils.JSONError(w, http.StatusBadRequest, "id mismatch between path and body")
		return
	}
	if err := store.SaveUser(u); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("user_upserted", "user", u.ID)
	_ = utils.JSONWrite(w, http.StatusOK, u)
}

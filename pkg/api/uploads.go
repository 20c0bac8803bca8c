package api

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/utils"
)

// presignUpload mints a presigned PUT grant for one attachment.
func presignUpload(w http.ResponseWriter, r *http.Request) {
	if deps.Signer == nil {
		utils.JSONError(w, http.StatusNotFound, "uploads not configured")
		return
	}
	var body struct {
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	grant, err := deps.Signer.PresignPut(body.FileName, body.ContentType)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Debug("upload_presigned", "key", grant.Key)
	_ = utils.JSONWrite(w, http.StatusOK, grant)
}

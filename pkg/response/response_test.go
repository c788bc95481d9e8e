package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowband-classroom/backend/internal/models"
)

func TestError_MapsCodeToStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("start: %w", models.Errorf(models.CodeNotAuthorized, "only the teacher")), http.StatusForbidden, "NOT_AUTHORIZED"},
		{models.ErrRoleConflict, http.StatusConflict, "ROLE_CONFLICT"},
		{models.ErrInvalidOption, http.StatusBadRequest, "INVALID_OPTION"},
		{models.ErrRoomNotFound, http.StatusNotFound, "ROOM_NOT_FOUND"},
		{errors.New("db down"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, tc.err)

		assert.Equal(t, tc.status, w.Code)
		var body Body
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, tc.code, body.Code)
		assert.NotContains(t, body.Error, "db down")
	}
}

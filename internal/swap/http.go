package swap

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// Response is the envelope of every HTTP response.
type Response struct {
	Code Code        `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// WriteOK writes a success envelope.
func WriteOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: CodeOK, Msg: "Success", Data: data})
}

// WriteError writes err as an envelope. Request errors keep their code;
// anything else is logged and reported as internal.
func WriteError(c *gin.Context, log *logging.Logger, err error) {
	if re, ok := AsRequestError(err); ok {
		c.JSON(http.StatusBadRequest, Response{Code: re.Code, Msg: re.Msg, Data: re.Data})
		return
	}
	log.Error("Request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, Response{Code: CodeInternal, Msg: "internal error"})
}

// BindJSON decodes the request body into req.
func BindJSON(c *gin.Context, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return Reject(CodeInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

// ParseAmount reads a decimal-string request field.
func ParseAmount(field, s string) (uint64, error) {
	v, err := helpers.ParseUint(s)
	if err != nil {
		return 0, Reject(CodeInvalidRequest, "invalid %s", field)
	}
	return v, nil
}

// ParseHashField reads a hex payment hash request field.
func ParseHashField(field, s string) (Hash, error) {
	h, err := ParseHash(s)
	if err != nil {
		return Hash{}, Reject(CodeInvalidRequest, "invalid %s", field)
	}
	return h, nil
}

// AuthorizationData renders a signed authorization together with the escrow
// it authorizes.
func AuthorizationData(e contract.Escrow, a *contract.Authorization) gin.H {
	return gin.H{
		"data":      contract.Data{Escrow: e},
		"prefix":    a.Prefix,
		"nonce":     helpers.FormatUint(a.Nonce),
		"timeout":   helpers.FormatUint(a.Timeout),
		"signature": hex.EncodeToString(a.Signature),
	}
}

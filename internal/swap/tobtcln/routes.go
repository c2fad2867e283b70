package tobtcln

import (
	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

type payInvoiceRequest struct {
	PayReq          string `json:"pr" binding:"required"`
	MaxFee          string `json:"maxFee" binding:"required"`
	ExpiryTimestamp string `json:"expiryTimestamp" binding:"required"`
	Token           string `json:"token" binding:"required"`
	Offerer         string `json:"offerer" binding:"required"`
}

type refundRequest struct {
	PaymentHash string `json:"paymentHash" binding:"required"`
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/tobtcln")
	g.POST("/payInvoice", h.handlePayInvoice)
	g.POST("/getRefundAuthorization", h.handleRefundAuthorization)
}

func (h *Handler) handlePayInvoice(c *gin.Context) {
	var req payInvoiceRequest
	if err := swap.BindJSON(c, &req); err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	maxFee, err := swap.ParseAmount("maxFee", req.MaxFee)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	expiry, err := swap.ParseAmount("expiryTimestamp", req.ExpiryTimestamp)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	quote, err := h.CreateSwap(c.Request.Context(), &PayRequest{
		Offerer: req.Offerer,
		PayReq:  req.PayReq,
		MaxFee:  maxFee,
		Expiry:  expiry,
		Token:   req.Token,
	})
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	data := swap.AuthorizationData(quote.Escrow, quote.Auth)
	data["paymentHash"] = quote.PaymentHash.String()
	data["amount"] = helpers.FormatUint(quote.Amount)
	data["swapFee"] = helpers.FormatUint(quote.SwapFee)
	data["maxFee"] = helpers.FormatUint(quote.MaxFee)
	data["total"] = quote.Total.String()
	swap.WriteOK(c, data)
}

func (h *Handler) handleRefundAuthorization(c *gin.Context) {
	var req refundRequest
	if err := swap.BindJSON(c, &req); err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	hash, err := swap.ParseHashField("paymentHash", req.PaymentHash)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	auth, escrow, err := h.RefundAuthorization(hash)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	swap.WriteOK(c, swap.AuthorizationData(escrow, auth))
}

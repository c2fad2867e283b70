package tobtc

import (
	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

type payInvoiceRequest struct {
	Address            string `json:"address" binding:"required"`
	Offerer            string `json:"offerer" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	Confirmations      string `json:"confirmations" binding:"required"`
	ConfirmationTarget string `json:"confirmationTarget" binding:"required"`
	Nonce              string `json:"nonce" binding:"required"`
	Token              string `json:"token" binding:"required"`
}

type refundRequest struct {
	PaymentHash string `json:"paymentHash" binding:"required"`
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/tobtc")
	g.POST("/payInvoice", h.handlePayInvoice)
	g.POST("/getRefundAuthorization", h.handleRefundAuthorization)
}

func (h *Handler) handlePayInvoice(c *gin.Context) {
	var req payInvoiceRequest
	if err := swap.BindJSON(c, &req); err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	pr := PayRequest{Offerer: req.Offerer, Address: req.Address, Token: req.Token}
	for _, f := range []struct {
		name string
		in   string
		out  *uint64
	}{
		{"amount", req.Amount, &pr.Amount},
		{"confirmations", req.Confirmations, &pr.Confirmations},
		{"confirmationTarget", req.ConfirmationTarget, &pr.ConfirmationTarget},
		{"nonce", req.Nonce, &pr.Nonce},
	} {
		v, err := swap.ParseAmount(f.name, f.in)
		if err != nil {
			swap.WriteError(c, h.log, err)
			return
		}
		*f.out = v
	}

	quote, err := h.CreateSwap(c.Request.Context(), &pr)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	data := swap.AuthorizationData(quote.Escrow, quote.Auth)
	data["paymentHash"] = quote.PaymentHash.String()
	data["amount"] = helpers.FormatUint(quote.Amount)
	data["swapFee"] = helpers.FormatUint(quote.SwapFee)
	data["networkFee"] = helpers.FormatUint(quote.NetworkFee)
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

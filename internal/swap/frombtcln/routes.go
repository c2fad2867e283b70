package frombtcln

import (
	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

type createInvoiceRequest struct {
	PaymentHash string `json:"paymentHash" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Address     string `json:"address" binding:"required"`
	Token       string `json:"token" binding:"required"`
	Description string `json:"description"`
}

type paymentAuthRequest struct {
	PaymentHash string `json:"paymentHash" binding:"required"`
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/frombtcln")
	g.POST("/createInvoice", h.handleCreateInvoice)
	g.POST("/getInvoicePaymentAuth", h.handlePaymentAuth)
}

func (h *Handler) handleCreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := swap.BindJSON(c, &req); err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	hash, err := swap.ParseHashField("paymentHash", req.PaymentHash)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	amount, err := swap.ParseAmount("amount", req.Amount)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	quote, err := h.CreateInvoice(c.Request.Context(), &InvoiceRequest{
		PaymentHash: hash,
		Amount:      amount,
		Claimer:     req.Address,
		Token:       req.Token,
		Description: req.Description,
	})
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	swap.WriteOK(c, gin.H{
		"pr":      quote.PaymentRequest,
		"swapFee": helpers.FormatUint(quote.SwapFee),
		"total":   quote.Total.String(),
	})
}

func (h *Handler) handlePaymentAuth(c *gin.Context) {
	var req paymentAuthRequest
	if err := swap.BindJSON(c, &req); err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	hash, err := swap.ParseHashField("paymentHash", req.PaymentHash)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	res, err := h.GetPaymentAuth(c.Request.Context(), hash)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	swap.WriteOK(c, swap.AuthorizationData(res.Escrow, res.Auth))
}

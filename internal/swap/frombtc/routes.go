package frombtc

import (
	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

type getAddressRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Token   string `json:"token" binding:"required"`
}

// RegisterRoutes mounts POST /frombtc/getAddress.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/frombtc")
	g.POST("/getAddress", h.handleGetAddress)
}

func (h *Handler) handleGetAddress(c *gin.Context) {
	var req getAddressRequest
	if err := swap.BindJSON(c, &req); err != nil {
		swap.WriteError(c, h.log, err)
		return
	}
	amount, err := swap.ParseAmount("amount", req.Amount)
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	quote, err := h.CreateSwap(c.Request.Context(), &AddressRequest{
		Address: req.Address,
		Amount:  amount,
		Token:   req.Token,
	})
	if err != nil {
		swap.WriteError(c, h.log, err)
		return
	}

	data := swap.AuthorizationData(quote.Escrow, quote.Auth)
	data["btcAddress"] = quote.BtcAddress
	data["paymentHash"] = quote.PaymentHash.String()
	data["amount"] = helpers.FormatUint(quote.Amount)
	data["swapFee"] = helpers.FormatUint(quote.SwapFee)
	data["total"] = quote.Total.String()
	swap.WriteOK(c, data)
}

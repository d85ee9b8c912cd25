package handler

import (
	"net/http"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/rates"
)

// RatesHandler serves the cached exchange rates used by wallet conversions.
type RatesHandler struct {
	source rates.Source
}

func NewRatesHandler(source rates.Source) *RatesHandler {
	return &RatesHandler{source: source}
}

type ratesResponse struct {
	Base      string            `json:"base"`
	Rates     map[string]string `json:"rates"`
	FetchedAt time.Time         `json:"fetched_at"`
}

func (h *RatesHandler) GetRates(w http.ResponseWriter, r *http.Request) {
	rs, err := h.source.GetRates(r.Context(), domain.BaseCurrency)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	out := ratesResponse{
		Base:      rs.Base.String(),
		Rates:     make(map[string]string, len(rs.Rates)),
		FetchedAt: rs.FetchedAt,
	}
	for currency, rate := range rs.Rates {
		out.Rates[currency.String()] = rate.String()
	}
	RespondJSON(w, http.StatusOK, out)
}

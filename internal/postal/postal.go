// Package postal looks Brazilian postal codes (CEP) up in ViaCEP.
package postal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/perfumaria/internal/cache"
)

var (
	// ErrInvalidCEP is returned when the code does not have 8 digits.
	ErrInvalidCEP = errors.New("invalid CEP")
	// ErrNotFound is returned when the code does not exist.
	ErrNotFound = errors.New("CEP not found")
	// ErrUpstream is returned when the lookup service fails.
	ErrUpstream = errors.New("postal lookup failed")
)

// DefaultBaseURL is the public ViaCEP endpoint.
const DefaultBaseURL = "https://viacep.com.br"

// Address is a resolved postal address.
type Address struct {
	CEP          string `json:"cep"`
	Street       string `json:"street"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	State        string `json:"state"`
	IBGE         string `json:"ibge,omitempty"`
}

type viaCEPResponse struct {
	CEP         string `json:"cep"`
	Logradouro  string `json:"logradouro"`
	Complemento string `json:"complemento"`
	Bairro      string `json:"bairro"`
	Localidade  string `json:"localidade"`
	UF          string `json:"uf"`
	IBGE        string `json:"ibge"`
	Erro        any    `json:"erro"`
}

func (r viaCEPResponse) notFound() bool {
	switch v := r.Erro.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// Client resolves CEPs.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *cache.QueryCache
	logger  *slog.Logger
}

// NewClient creates a lookup client. A nil cache disables caching.
func NewClient(baseURL string, timeout time.Duration, qc *cache.QueryCache, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cache:   qc,
		logger:  logger,
	}
}

// Normalize strips punctuation from cep and checks it has 8 digits.
func Normalize(cep string) (string, error) {
	var b strings.Builder
	for _, r := range cep {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == ' ':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidCEP, cep)
		}
	}
	if b.Len() != 8 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCEP, cep)
	}
	return b.String(), nil
}

// Lookup resolves cep into an address.
func (c *Client) Lookup(ctx context.Context, cep string) (*Address, error) {
	digits, err := Normalize(cep)
	if err != nil {
		return nil, err
	}
	return cache.GetOrLoad(ctx, c.cache, cache.CategoryPostal, digits, func(ctx context.Context) (*Address, error) {
		return c.fetch(ctx, digits)
	})
}

func (c *Client) fetch(ctx context.Context, digits string) (*Address, error) {
	url := fmt.Sprintf("%s/ws/%s/json/", c.baseURL, digits)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build postal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close postal response body", "error", err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCEP, digits)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digits)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var body viaCEPResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUpstream, err)
	}
	if body.notFound() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digits)
	}

	return &Address{
		CEP:          digits,
		Street:       body.Logradouro,
		Complement:   body.Complemento,
		Neighborhood: body.Bairro,
		City:         body.Localidade,
		State:        body.UF,
		IBGE:         body.IBGE,
	}, nil
}

// Package mediawiki is a small MediaWiki Action API client covering the
// three operations the sync needs: bot login, reading a page's wikitext,
// and saving a page in one edit.
package mediawiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to one wiki's api.php endpoint. Sessions live in the HTTP
// client's cookie jar, so a single Client carries its login across calls.
type Client struct {
	APIURL     string
	UserAgent  string
	HTTPClient *http.Client
}

// NewClient constructs a Client with a fresh cookie jar.
func NewClient(apiURL, userAgent string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		APIURL:    apiURL,
		UserAgent: userAgent,
		HTTPClient: &http.Client{
			Jar:     jar,
			Timeout: defaultTimeout,
		},
	}, nil
}

// SaveRejectedError is an edit the wiki refused, typically CAPTCHA,
// AbuseFilter, or protection, not a transport failure. Callers should
// surface operator guidance rather than retry.
type SaveRejectedError struct {
	Code string
	Info string
}

func (e *SaveRejectedError) Error() string {
	return fmt.Sprintf("page save rejected (%s): %s", e.Code, e.Info)
}

// apiError is the Action API's standard error envelope.
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// Login authenticates a bot account (action=login with a login token).
func (c *Client) Login(ctx context.Context, username, password string) error {
	token, err := c.token(ctx, "login")
	if err != nil {
		return fmt.Errorf("fetch login token: %w", err)
	}

	var resp struct {
		Login struct {
			Result string `json:"result"`
			Reason string `json:"reason"`
		} `json:"login"`
		Error *apiError `json:"error"`
	}
	form := url.Values{
		"action":     {"login"},
		"lgname":     {username},
		"lgpassword": {password},
		"lgtoken":    {token},
	}
	if err := c.post(ctx, form, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("login: %s: %s", resp.Error.Code, resp.Error.Info)
	}
	if resp.Login.Result != "Success" {
		return fmt.Errorf("login failed (%s): %s", resp.Login.Result, resp.Login.Reason)
	}
	return nil
}

// PageText fetches the current wikitext of a page.
//
// Errors:
//   - A missing page is an error (the sync never creates pages).
func (c *Client) PageText(ctx context.Context, title string) (string, error) {
	var resp struct {
		Query struct {
			Pages []struct {
				Title     string `json:"title"`
				Missing   bool   `json:"missing"`
				Revisions []struct {
					Slots struct {
						Main struct {
							Content string `json:"content"`
						} `json:"main"`
					} `json:"slots"`
				} `json:"revisions"`
			} `json:"pages"`
		} `json:"query"`
		Error *apiError `json:"error"`
	}
	params := url.Values{
		"action":        {"query"},
		"prop":          {"revisions"},
		"rvprop":        {"content"},
		"rvslots":       {"main"},
		"titles":        {title},
		"format":        {"json"},
		"formatversion": {"2"},
	}
	if err := c.get(ctx, params, &resp); err != nil {
		return "", fmt.Errorf("fetch page %q: %w", title, err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("fetch page %q: %s: %s", title, resp.Error.Code, resp.Error.Info)
	}
	if len(resp.Query.Pages) == 0 {
		return "", fmt.Errorf("fetch page %q: empty query result", title)
	}
	page := resp.Query.Pages[0]
	if page.Missing {
		return "", fmt.Errorf("page %q does not exist", title)
	}
	if len(page.Revisions) == 0 {
		return "", fmt.Errorf("page %q has no revisions", title)
	}
	return page.Revisions[0].Slots.Main.Content, nil
}

// SavePage replaces a page's wikitext in a single edit.
//
// Errors:
//   - *SaveRejectedError when the wiki refused the edit (CAPTCHA,
//     AbuseFilter, protection); other errors are transport or API
//     plumbing failures.
func (c *Client) SavePage(ctx context.Context, title, text, summary string) error {
	token, err := c.token(ctx, "csrf")
	if err != nil {
		return fmt.Errorf("fetch csrf token: %w", err)
	}

	var resp struct {
		Edit struct {
			Result string `json:"result"`
		} `json:"edit"`
		Error *apiError `json:"error"`
	}
	form := url.Values{
		"action":  {"edit"},
		"title":   {title},
		"text":    {text},
		"summary": {summary},
		"bot":     {"1"},
		"token":   {token},
	}
	if err := c.post(ctx, form, &resp); err != nil {
		return fmt.Errorf("save page %q: %w", title, err)
	}
	if resp.Error != nil {
		return &SaveRejectedError{Code: resp.Error.Code, Info: resp.Error.Info}
	}
	if resp.Edit.Result != "Success" {
		return &SaveRejectedError{Code: "edit-" + strings.ToLower(resp.Edit.Result), Info: "edit result was not Success"}
	}
	return nil
}

// token fetches a token of the given type (login, csrf).
func (c *Client) token(ctx context.Context, kind string) (string, error) {
	var resp struct {
		Query struct {
			Tokens map[string]string `json:"tokens"`
		} `json:"query"`
		Error *apiError `json:"error"`
	}
	params := url.Values{
		"action":        {"query"},
		"meta":          {"tokens"},
		"type":          {kind},
		"format":        {"json"},
		"formatversion": {"2"},
	}
	if err := c.get(ctx, params, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Info)
	}
	token := resp.Query.Tokens[kind+"token"]
	if token == "" {
		return "", fmt.Errorf("no %s token in response", kind)
	}
	return token, nil
}

func (c *Client) get(ctx context.Context, params url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) post(ctx context.Context, form url.Values, v any) error {
	form.Set("format", "json")
	form.Set("formatversion", "2")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(firstN(string(body), 200)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"time"

	"studipsync-backend/lib/htmlutil"
	"studipsync-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/studip/core")

var ErrLoginFailed = fmt.Errorf("Failed to login to your account.")

// Client holds one authenticated Stud.IP session: a cookie jar with the
// remote login state and the csrf token scraped after login. it is not
// safe for concurrent use, requests must be serialized by the caller.
type Client struct {
	BaseUrl       *url.URL
	Http          *resty.Client
	SecurityToken string

	loginWait time.Duration
}

type ClientOptions struct {
	BaseUrl string
	// how long to wait for the authenticated landing page to appear
	// after submitting credentials, defaults to 7 seconds
	LoginWait time.Duration
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/studip/http")

	loginWait := opts.LoginWait
	if loginWait == 0 {
		loginWait = time.Second * 7
	}

	c := &Client{
		BaseUrl:   baseUrl,
		Http:      client,
		loginWait: loginWait,
	}
	return c, nil
}

func documentFromResponse(res *resty.Response) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
}

// LoginUsernamePassword drives the Stud.IP login form: it scrapes the
// hidden form tokens from the login page, submits the credentials and
// then waits a bounded amount of time for the element that only renders
// on an authenticated page. ErrLoginFailed is fatal to the caller, there
// is no credential retry at this level.
func (c *Client) LoginUsernamePassword(ctx context.Context, username, password string) error {
	ctx, span := tracer.Start(ctx, "client:LoginUsernamePassword")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		SetQueryParam("again", "yes").
		Get("/index.php")
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch login page")
		return err
	}
	doc, err := documentFromResponse(res)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse login page html")
		return err
	}

	securityToken := htmlutil.InputValue(doc, "security_token")
	loginTicket := htmlutil.InputValue(doc, "login_ticket")
	if securityToken == "" || loginTicket == "" {
		span.SetStatus(codes.Error, "failed to find login form tokens")
		return fmt.Errorf("could not find login form tokens")
	}

	_, err = c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"security_token": securityToken,
			"login_ticket":   loginTicket,
			"loginname":      username,
			"password":       password,
		}).
		Post("/index.php")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make login request")
		return err
	}

	return c.awaitLoggedIn(ctx)
}

// awaitLoggedIn polls the start page until the footer element shows up,
// which only happens on a successfully authenticated session.
func (c *Client) awaitLoggedIn(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:awaitLoggedIn")
	defer span.End()

	deadline := time.Now().Add(c.loginWait)
	for {
		res, err := c.Http.R().
			SetContext(ctx).
			Get("/dispatch.php/start")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to request start page after login")
			return err
		}
		doc, err := documentFromResponse(res)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to parse start page html")
			return err
		}

		if len(doc.Find("#footer").Nodes) > 0 {
			c.SecurityToken = htmlutil.InputValue(doc, "security_token")
			return nil
		}

		if time.Now().After(deadline) {
			message := ""
			if nodes := doc.Find("#error_msg, .messagebox").Nodes; len(nodes) > 0 {
				message = htmlutil.CollapseText(htmlutil.GetText(nodes[0]))
			}
			slog.WarnContext(ctx, "login page never confirmed authentication", "message", message)
			span.SetStatus(codes.Error, ErrLoginFailed.Error())
			return ErrLoginFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * 500):
		}
	}
}

// Close releases the underlying transport. the session cannot be used
// afterwards.
func (c *Client) Close() {
	c.Http.GetClient().CloseIdleConnections()
}

// Command goidp-admin provisions apps, users and SAML partners in the store.
//
//	goidp-admin create-app   -client-id ID -name NAME [-type spa|s2s] [-redirect URL,...] [-scopes a,b]
//	goidp-admin create-user  -email EMAIL -password PASS [-first NAME] [-last NAME] [-roles a,b]
//	goidp-admin put-saml-idp -name NAME -metadata FILE [-email-attr mail] [-id-attr uid]
//	goidp-admin put-saml-sp  -metadata FILE
//	goidp-admin report
//
// Passwords are checked against the configured policy and hashed with the
// configured argon2id cost. S2S apps get a generated secret, printed once.
package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	crewjam "github.com/crewjam/saml"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/config"
	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/bootstrap"
)

type adminStore interface {
	CreateApp(ctx context.Context, app *goIdP.App) error
	CreateUser(ctx context.Context, user *goIdP.User) error
	GetSamlIdP(ctx context.Context, name string) (*goIdP.SamlIdP, error)
	PutSamlIdP(ctx context.Context, idp *goIdP.SamlIdP) error
	GetSamlSP(ctx context.Context, entityID string) (*goIdP.SamlSP, error)
	PutSamlSP(ctx context.Context, sp *goIdP.SamlSP) error
}

type engine interface {
	HashPassword(plain string) (string, error)
	SecurityReport() goIdP.SecurityReport
}

type admin struct {
	store  adminStore
	engine engine
	out    io.Writer
	stderr io.Writer
}

const usage = "usage: goidp-admin create-app|create-user|put-saml-idp|put-saml-sp|report [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	rt, err := bootstrap.Open(ctx, cfg, logger.WithOptions(zap.IncreaseLevel(zap.ErrorLevel)), bootstrap.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}

	a := &admin{store: rt.Store, engine: rt.Engine, out: os.Stdout, stderr: os.Stderr}
	err = a.run(ctx, os.Args[1], os.Args[2:])
	rt.Close()
	switch {
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func (a *admin) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "create-app":
		return a.createApp(ctx, args)
	case "create-user":
		return a.createUser(ctx, args)
	case "put-saml-idp":
		return a.putSamlIdP(ctx, args)
	case "put-saml-sp":
		return a.putSamlSP(ctx, args)
	case "report":
		return a.print(a.engine.SecurityReport())
	default:
		return fmt.Errorf("unknown command %q; %s", command, usage)
	}
}

func (a *admin) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *admin) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *admin) createApp(ctx context.Context, args []string) error {
	fs := a.flags("create-app")
	var (
		clientID  = fs.String("client-id", "", "OAuth client id")
		name      = fs.String("name", "", "display name")
		appType   = fs.String("type", string(goIdP.AppSPA), "spa or s2s")
		redirects = fs.String("redirect", "", "comma separated redirect URIs")
		logout    = fs.String("post-logout-redirect", "", "comma separated post-logout redirect URIs")
		scopes    = fs.String("scopes", "openid profile email offline_access", "space or comma separated scopes")
		consent   = fs.Bool("require-consent", false, "ask users to grant scopes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errors.New("-client-id is required")
	}
	app := &goIdP.App{
		ClientID:               *clientID,
		Name:                   *name,
		Type:                   goIdP.AppType(*appType),
		RedirectURIs:           splitList(*redirects),
		PostLogoutRedirectURIs: splitList(*logout),
		Scopes:                 splitList(*scopes),
		RequireConsent:         *consent,
		IsActive:               true,
	}
	if app.Type == goIdP.AppSPA && len(app.RedirectURIs) == 0 {
		return errors.New("spa apps need at least one -redirect")
	}
	if app.Type == goIdP.AppS2S {
		secret, err := internal.NewOpaqueToken()
		if err != nil {
			return err
		}
		app.Secret = secret
	}
	if err := a.store.CreateApp(ctx, app); err != nil {
		return err
	}
	return a.print(struct {
		ID           string `json:"id"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret,omitempty"`
	}{app.ID, app.ClientID, app.Secret})
}

func (a *admin) createUser(ctx context.Context, args []string) error {
	fs := a.flags("create-user")
	var (
		email    = fs.String("email", "", "sign-in email")
		password = fs.String("password", "", "initial password; read from GOIDP_ADMIN_PASSWORD when empty")
		first    = fs.String("first", "", "first name")
		last     = fs.String("last", "", "last name")
		phone    = fs.String("phone", "", "E.164 phone number for SMS MFA")
		roles    = fs.String("roles", "", "comma separated roles")
		orgs     = fs.String("orgs", "", "comma separated org slugs")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("-email is required")
	}
	plain := *password
	if plain == "" {
		plain = os.Getenv("GOIDP_ADMIN_PASSWORD")
	}
	hash, err := a.engine.HashPassword(plain)
	if err != nil {
		return err
	}
	user := &goIdP.User{
		Email:        *email,
		PasswordHash: hash,
		FirstName:    *first,
		LastName:     *last,
		Phone:        *phone,
		Roles:        splitList(*roles),
		Orgs:         splitList(*orgs),
		IsActive:     true,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return err
	}
	return a.print(map[string]string{"id": user.ID, "auth_id": user.AuthID, "email": user.Email})
}

func (a *admin) putSamlIdP(ctx context.Context, args []string) error {
	fs := a.flags("put-saml-idp")
	var (
		name      = fs.String("name", "", "short name used in /saml/sp/login/{name}")
		metadata  = fs.String("metadata", "", "path to the IdP metadata XML")
		idAttr    = fs.String("id-attr", "", "attribute holding the stable user id; NameID when empty")
		emailAttr = fs.String("email-attr", "mail", "attribute holding the email")
		firstAttr = fs.String("first-name-attr", "givenName", "attribute holding the first name")
		lastAttr  = fs.String("last-name-attr", "sn", "attribute holding the last name")
		disabled  = fs.Bool("disabled", false, "store the IdP as inactive")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}
	raw, _, err := readMetadata(*metadata)
	if err != nil {
		return err
	}
	idp := &goIdP.SamlIdP{Name: *name}
	existing, err := a.store.GetSamlIdP(ctx, *name)
	switch {
	case err == nil:
		idp.ID = existing.ID
	case !errors.Is(err, goIdP.ErrStoreNotFound):
		return err
	}
	idp.MetadataXML = raw
	idp.UserIDAttribute = *idAttr
	idp.EmailAttribute = *emailAttr
	idp.FirstNameAttribute = *firstAttr
	idp.LastNameAttribute = *lastAttr
	idp.IsActive = !*disabled
	if err := a.store.PutSamlIdP(ctx, idp); err != nil {
		return err
	}
	return a.print(map[string]any{"id": idp.ID, "name": idp.Name, "active": idp.IsActive})
}

func (a *admin) putSamlSP(ctx context.Context, args []string) error {
	fs := a.flags("put-saml-sp")
	var (
		metadata = fs.String("metadata", "", "path to the SP metadata XML")
		disabled = fs.Bool("disabled", false, "store the SP as inactive")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, entityID, err := readMetadata(*metadata)
	if err != nil {
		return err
	}
	sp := &goIdP.SamlSP{EntityID: entityID, MetadataXML: raw, IsActive: !*disabled}
	existing, err := a.store.GetSamlSP(ctx, entityID)
	switch {
	case err == nil:
		sp.ID = existing.ID
	case !errors.Is(err, goIdP.ErrStoreNotFound):
		return err
	}
	if err := a.store.PutSamlSP(ctx, sp); err != nil {
		return err
	}
	return a.print(map[string]any{"id": sp.ID, "entity_id": sp.EntityID, "active": sp.IsActive})
}

// readMetadata loads an EntityDescriptor and returns it with its entity id.
func readMetadata(path string) (string, string, error) {
	if path == "" {
		return "", "", errors.New("-metadata is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	var ed crewjam.EntityDescriptor
	if err := xml.Unmarshal(raw, &ed); err != nil {
		return "", "", fmt.Errorf("parse metadata: %w", err)
	}
	if ed.EntityID == "" {
		return "", "", errors.New("metadata has no entityID")
	}
	return string(raw), ed.EntityID, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

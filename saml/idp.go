package saml

import (
	"encoding/json"
	"net/http"
	"os"

	crewjam "github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
)

// sessions resolves the browser session cookie for IdP single sign-on.
type sessions struct{ b *Bridge }

func (s sessions) GetSession(w http.ResponseWriter, r *http.Request, req *crewjam.IdpAuthnRequest) *crewjam.Session {
	var sessionID string
	if c, err := r.Cookie(s.b.cfg.SessionCookie); err == nil {
		sessionID = c.Value
	}
	user, authTime, err := s.b.engine.SessionUser(r.Context(), sessionID)
	if err != nil {
		s.b.writeError(w, err)
		return nil
	}

	session := &crewjam.Session{
		ID:            sessionID,
		CreateTime:    authTime,
		ExpireTime:    authTime.Add(s.b.cfg.SessionLifetime),
		Index:         sessionID,
		NameID:        user.AuthID,
		SubjectID:     user.AuthID,
		UserName:      user.Email,
		UserEmail:     user.Email,
		UserGivenName: user.FirstName,
		UserSurname:   user.LastName,
		Groups:        append([]string(nil), user.Roles...),
	}
	if req != nil && req.ServiceProviderMetadata != nil {
		s.b.logger.Info("saml assertion issued",
			zap.String("sp", req.ServiceProviderMetadata.EntityID),
			zap.String("user_id", user.ID),
		)
	}
	return session
}

// serviceProviders looks up registered downstream service providers.
type serviceProviders struct{ b *Bridge }

func (p serviceProviders) GetServiceProvider(r *http.Request, entityID string) (*crewjam.EntityDescriptor, error) {
	sp, err := p.b.engine.SamlServiceProvider(r.Context(), entityID)
	if err != nil {
		if goIdP.KindOf(err) != goIdP.KindInternal {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	md, err := samlsp.ParseMetadata([]byte(sp.MetadataXML))
	if err != nil {
		p.b.logger.Warn("saml sp metadata unusable", zap.String("sp", entityID), zap.Error(err))
		return nil, os.ErrNotExist
	}
	return md, nil
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (b *Bridge) writeError(w http.ResponseWriter, err error) {
	kind := goIdP.KindOf(err)
	if kind == goIdP.KindInternal {
		b.logger.Error("saml session lookup failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: goIdP.ReasonOf(err)})
}

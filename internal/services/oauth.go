package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	githubendpoint "golang.org/x/oauth2/github"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/config"
	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

const (
	pendingRegistrationPrefix = "oauth:pending:"

	// PendingRegistrationTTL bounds how long a verified OAuth identity may
	// wait for the user to finish choosing account details.
	PendingRegistrationTTL = 10 * time.Minute

	googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	githubAPIBaseURL   = "https://api.github.com"
)

var (
	ErrOAuthProviderDisabled      = errors.New("oauth provider is not enabled")
	ErrOAuthTokenInvalid          = errors.New("oauth token could not be verified")
	ErrOAuthEmailUnverified       = errors.New("oauth account has no verified email")
	ErrOAuthAccountConflict       = errors.New("email already linked to a different oauth identity")
	ErrPendingRegistrationExpired = errors.New("registration token is invalid or expired")
)

// OAuthProfile is the provider-independent result of a verified identity.
type OAuthProfile struct {
	Provider       models.LoginMethod
	ProviderUserID string
	Email          string
	Name           string
	Login          string
}

// PendingRegistration is the store payload for a verified identity with no
// matching account yet. The user finishes registration by presenting the
// single-use token that keys it.
type PendingRegistration struct {
	Provider       models.LoginMethod `json:"provider"`
	ProviderUserID string             `json:"providerUserID"`
	Email          string             `json:"email"`
	Candidates     []string           `json:"candidates"`
}

// OAuthService verifies Google and GitHub identities and maps them onto
// panel accounts: existing link, verified-email adoption, or a deferred
// pending registration.
type OAuthService struct {
	DB    *gorm.DB
	Store store.Store
	Email EmailSender
	SSO   config.SSOConfig

	// Overridable for tests.
	HTTPClient     *http.Client
	TokenInfoURL   string
	GitHubAPIURL   string
	GitHubTokenURL string
}

func NewOAuthService(db *gorm.DB, st store.Store, email EmailSender, sso config.SSOConfig) *OAuthService {
	return &OAuthService{
		DB:           db,
		Store:        st,
		Email:        email,
		SSO:          sso,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		TokenInfoURL: googleTokenInfoURL,
		GitHubAPIURL: githubAPIBaseURL,
	}
}

// VerifyGoogleIDToken validates the ID token against Google's tokeninfo
// endpoint and checks issuer, audience and email verification before
// trusting any claim in it.
func (s *OAuthService) VerifyGoogleIDToken(ctx context.Context, idToken string) (*OAuthProfile, error) {
	if !s.SSO.Google.Enabled {
		return nil, ErrOAuthProviderDisabled
	}

	endpoint := s.TokenInfoURL + "?id_token=" + url.QueryEscape(idToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google tokeninfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrOAuthTokenInvalid
	}

	var info struct {
		Iss           string `json:"iss"`
		Aud           string `json:"aud"`
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("google tokeninfo: %w", err)
	}

	if info.Iss != "accounts.google.com" && info.Iss != "https://accounts.google.com" {
		return nil, ErrOAuthTokenInvalid
	}
	if info.Aud != s.SSO.Google.ClientID {
		return nil, ErrOAuthTokenInvalid
	}
	if info.Sub == "" || info.Email == "" {
		return nil, ErrOAuthTokenInvalid
	}
	if info.EmailVerified != "true" {
		return nil, ErrOAuthEmailUnverified
	}

	return &OAuthProfile{
		Provider:       models.LoginMethodGoogle,
		ProviderUserID: info.Sub,
		Email:          strings.ToLower(info.Email),
		Name:           info.Name,
	}, nil
}

// ExchangeGitHubCode trades the authorization code for an access token and
// resolves the account's primary verified email. Accounts with no verified
// email are rejected.
func (s *OAuthService) ExchangeGitHubCode(ctx context.Context, code string) (*OAuthProfile, error) {
	if !s.SSO.GitHub.Enabled {
		return nil, ErrOAuthProviderDisabled
	}

	endpoint := githubendpoint.Endpoint
	if s.GitHubTokenURL != "" {
		endpoint = oauth2.Endpoint{AuthURL: endpoint.AuthURL, TokenURL: s.GitHubTokenURL}
	}

	conf := &oauth2.Config{
		ClientID:     s.SSO.GitHub.ClientID,
		ClientSecret: s.SSO.GitHub.ClientSecret,
		RedirectURL:  s.SSO.GitHub.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       []string{"read:user", "user:email"},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, ErrOAuthTokenInvalid
	}

	var ghUser struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := s.githubGet(ctx, token, "/user", &ghUser); err != nil {
		return nil, err
	}
	if ghUser.ID == 0 {
		return nil, ErrOAuthTokenInvalid
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := s.githubGet(ctx, token, "/user/emails", &emails); err != nil {
		return nil, err
	}

	email := ""
	for _, e := range emails {
		if e.Primary && e.Verified {
			email = e.Email
			break
		}
	}
	if email == "" {
		for _, e := range emails {
			if e.Verified {
				email = e.Email
				break
			}
		}
	}
	if email == "" {
		return nil, ErrOAuthEmailUnverified
	}

	return &OAuthProfile{
		Provider:       models.LoginMethodGitHub,
		ProviderUserID: fmt.Sprintf("%d", ghUser.ID),
		Email:          strings.ToLower(email),
		Name:           ghUser.Name,
		Login:          ghUser.Login,
	}, nil
}

func (s *OAuthService) githubGet(ctx context.Context, token *oauth2.Token, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.GitHubAPIURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("github api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrOAuthTokenInvalid
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Authenticate maps a verified profile onto an account. Resolution order:
// existing provider link, then verified-email adoption, then a pending
// registration token for a brand new account. Exactly one of user and
// pendingToken is set on success.
func (s *OAuthService) Authenticate(ctx context.Context, profile *OAuthProfile) (user *models.User, pendingToken string, err error) {
	var existing models.User
	err = s.DB.Where(s.providerColumn(profile.Provider)+" = ?", profile.ProviderUserID).First(&existing).Error
	if err == nil {
		if err := s.touchOAuthLogin(&existing, profile.Provider); err != nil {
			return nil, "", err
		}
		return &existing, "", nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}

	err = s.DB.Where("email = ?", profile.Email).First(&existing).Error
	if err == nil {
		bound := s.providerID(&existing, profile.Provider)
		if bound != nil && *bound != profile.ProviderUserID {
			// The email owner already linked a different identity at this
			// provider. Adopting the new one would let a second provider
			// account capture the panel account.
			logger.WarnWithUser(existing.ID.String(), "oauth_identity_conflict", map[string]interface{}{
				"provider": string(profile.Provider),
			})
			return nil, "", ErrOAuthAccountConflict
		}
		if err := s.linkProvider(&existing, profile); err != nil {
			return nil, "", err
		}
		return &existing, "", nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}

	token, err := s.createPendingRegistration(ctx, profile)
	if err != nil {
		return nil, "", err
	}
	return nil, token, nil
}

func (s *OAuthService) createPendingRegistration(ctx context.Context, profile *OAuthProfile) (string, error) {
	candidates := []string{profile.Login, profile.Name, emailLocalPart(profile.Email)}

	pending := PendingRegistration{
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
		Email:          profile.Email,
		Candidates:     candidates,
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return "", err
	}

	token := utils.RandomHex(32)
	if err := s.Store.Set(ctx, pendingRegistrationPrefix+token, data, PendingRegistrationTTL); err != nil {
		return "", err
	}
	return token, nil
}

// CompleteRegistration consumes a pending-registration token and creates the
// account. The token is single use: success and failure both burn it, so a
// failed completion requires a fresh provider round trip.
func (s *OAuthService) CompleteRegistration(ctx context.Context, token, inviteCode string) (*models.User, error) {
	data, err := s.Store.GetDelete(ctx, pendingRegistrationPrefix+token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPendingRegistrationExpired
		}
		return nil, err
	}

	var pending PendingRegistration
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}

	username, err := ResolveUsername(pending.Candidates, emailLocalPart(pending.Email), func(name string) bool {
		var count int64
		s.DB.Model(&models.User{}).Where("username = ?", name).Count(&count)
		return count > 0
	})
	if err != nil {
		return nil, err
	}

	// OAuth-born accounts get an unguessable password they never see;
	// password login stays possible only after an explicit reset.
	passwordHash, err := utils.HashPassword(utils.RandomHex(32))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	provider := string(pending.Provider)
	user := models.User{
		Email:             pending.Email,
		Username:          username,
		PasswordHash:      passwordHash,
		Role:              models.UserRoleUser,
		SubscriptionToken: utils.RandomHex(16),
		OAuthProvider:     &provider,
		FirstOAuthLoginAt: &now,
		LastOAuthLoginAt:  &now,
	}
	switch pending.Provider {
	case models.LoginMethodGoogle:
		user.GoogleSub = &pending.ProviderUserID
	case models.LoginMethodGitHub:
		user.GitHubID = &pending.ProviderUserID
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if inviteCode != "" {
			if err := ConsumeInviteCode(tx, inviteCode); err != nil {
				return err
			}
			code := strings.TrimSpace(inviteCode)
			user.InviteCode = &code
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, err
	}

	logger.InfoWithUser(user.ID.String(), "oauth_registration_completed", map[string]interface{}{
		"provider": provider,
	})
	SendWelcomeEmail(s.Email, user.Email, user.Username)

	return &user, nil
}

func (s *OAuthService) linkProvider(user *models.User, profile *OAuthProfile) error {
	now := time.Now()
	provider := string(profile.Provider)

	updates := map[string]interface{}{
		"oauth_provider":      provider,
		"last_oauth_login_at": now,
	}
	updates[s.providerColumn(profile.Provider)] = profile.ProviderUserID
	if user.FirstOAuthLoginAt == nil {
		updates["first_oauth_login_at"] = now
	}

	if err := s.DB.Model(user).Updates(updates).Error; err != nil {
		return err
	}

	logger.InfoWithUser(user.ID.String(), "oauth_identity_linked", map[string]interface{}{
		"provider": provider,
	})
	return nil
}

func (s *OAuthService) touchOAuthLogin(user *models.User, provider models.LoginMethod) error {
	now := time.Now()
	return s.DB.Model(user).Updates(map[string]interface{}{
		"oauth_provider":      string(provider),
		"last_oauth_login_at": now,
	}).Error
}

func (s *OAuthService) providerColumn(provider models.LoginMethod) string {
	if provider == models.LoginMethodGitHub {
		return "github_id"
	}
	return "google_sub"
}

func (s *OAuthService) providerID(user *models.User, provider models.LoginMethod) *string {
	if provider == models.LoginMethodGitHub {
		return user.GitHubID
	}
	return user.GoogleSub
}

func emailLocalPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}

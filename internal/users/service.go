package users

import (
	"context"
	"net/mail"
	"strings"
	"unicode"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"fernwiki/app/internal/wiki"
)

// Service exposes the administrator-only user operations.
type Service interface {
	Create(ctx context.Context, caller wiki.Caller, user wiki.NewUser) (bool, error)
	Delete(ctx context.Context, caller wiki.Caller, names []string) (bool, error)
}

// Notifier dispatches a password notification to a freshly created user.
type Notifier interface {
	NotifyPassword(ctx context.Context, user wiki.NewUser) error
}

type service struct {
	auth      wiki.Authorizer
	resolver  *wiki.Resolver
	notifier  Notifier
	logger    *logrus.Logger
	sentryHub *sentry.Hub
}

var _ Service = (*service)(nil)

// NewService wires the user administration service. The notifier is optional.
func NewService(auth wiki.Authorizer, resolver *wiki.Resolver, notifier Notifier, logger *logrus.Logger, hub *sentry.Hub) (Service, error) {
	if auth == nil {
		return nil, eris.New("authorizer is required")
	}
	if resolver == nil {
		return nil, eris.New("identifier resolver is required")
	}

	return &service{
		auth:      auth,
		resolver:  resolver,
		notifier:  notifier,
		logger:    logger,
		sentryHub: hub,
	}, nil
}

func (s *service) Create(ctx context.Context, caller wiki.Caller, user wiki.NewUser) (bool, error) {
	if err := s.requireAdmin(ctx, caller); err != nil {
		return false, err
	}
	if !s.auth.Supports(wiki.CapUserCreate) {
		return false, wiki.AccessDenied("authorization backend does not support user creation")
	}

	login := s.resolver.ResolveNS(user.Login)
	if login == "" {
		return false, wiki.NewFault(wiki.KindInvalidUser, "username %q is invalid", user.Login)
	}

	name := cleanDisplayName(user.Name)
	if name == "" {
		return false, wiki.NewFault(wiki.KindInvalidName, "display name %q is invalid", user.Name)
	}

	address := strings.TrimSpace(user.Mail)
	if _, err := mail.ParseAddress(address); err != nil {
		return false, wiki.NewFault(wiki.KindInvalidMail, "mail address %q is invalid", user.Mail)
	}

	password := user.Password
	if password == "" {
		password = uuid.NewString()
	}

	// Empty group lists are normalized to nil so the backend applies its
	// default group.
	groups := user.Groups
	if len(groups) == 0 {
		groups = nil
	}

	created := wiki.NewUser{
		Login:    login,
		Password: password,
		Name:     name,
		Mail:     address,
		Groups:   groups,
		Notify:   user.Notify,
	}

	ok, err := s.auth.CreateUser(ctx, created)
	if err != nil {
		s.recordError(logrus.Fields{"login": login}, err, "creating user")
		return false, eris.Wrapf(err, "creating user %s", login)
	}

	if ok && created.Notify && s.notifier != nil {
		if err := s.notifier.NotifyPassword(ctx, created); err != nil {
			// Notification is supplementary; the account already exists.
			s.recordError(logrus.Fields{"login": login}, err, "sending password notification")
		}
	}

	return ok, nil
}

func (s *service) Delete(ctx context.Context, caller wiki.Caller, names []string) (bool, error) {
	if err := s.requireAdmin(ctx, caller); err != nil {
		return false, err
	}

	ok, err := s.auth.DeleteUsers(ctx, names)
	if err != nil {
		s.recordError(logrus.Fields{"count": len(names)}, err, "deleting users")
		return false, eris.Wrap(err, "deleting users")
	}

	return ok, nil
}

func (s *service) requireAdmin(ctx context.Context, caller wiki.Caller) error {
	admin, err := s.auth.IsAdmin(ctx, caller)
	if err != nil {
		return eris.Wrap(err, "querying administrator role")
	}
	if !admin {
		return wiki.AccessDenied("administrator role is required")
	}
	return nil
}

// cleanDisplayName strips control and delimiter characters from a display
// name.
func cleanDisplayName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == ':' {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(cleaned)
}

func (s *service) recordError(fields logrus.Fields, err error, message string) {
	if err == nil {
		return
	}

	if s.logger != nil {
		entry := s.logger.WithField("error", err.Error())
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Error(message)
	}

	if s.sentryHub != nil {
		s.sentryHub.CaptureException(err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/auth"
	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

// DefaultMaxDebit applies to new vcards that do not set one.
var DefaultMaxDebit = decimal.NewFromInt(5000)

type NewAccount struct {
	Phone    string
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

type AccountPatch struct {
	Name     *string
	Email    *string
	Password *string
}

// AccountService manages vcards and broadcasts their lifecycle events.
type AccountService struct {
	accounts AccountRepository
	tx       TxManager
	notifier Notifier
}

func NewAccountService(accounts AccountRepository, tx TxManager, notifier Notifier) *AccountService {
	return &AccountService{accounts: accounts, tx: tx, notifier: notifier}
}

// Authenticate checks a phone/password pair.
func (s *AccountService) Authenticate(ctx context.Context, phone, password string) (domain.Actor, error) {
	acc, err := s.accounts.GetAccount(ctx, phone)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Actor{}, domain.ErrUnauthenticated
	}
	if err != nil {
		return domain.Actor{}, err
	}
	if err := auth.CheckPassword(acc.PasswordHash, password); err != nil {
		return domain.Actor{}, err
	}
	if acc.Blocked {
		return domain.Actor{}, fmt.Errorf("%w: account is blocked", domain.ErrUnauthenticated)
	}
	return domain.Actor{Phone: acc.Phone, Role: acc.Role}, nil
}

// Register creates a vcard. Self-registration always yields an account
// holder; only admins may create other admins.
func (s *AccountService) Register(ctx context.Context, actor *domain.Actor, in NewAccount) (*domain.Account, error) {
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Phone == "" || in.Name == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: phone, name and password are required", domain.ErrInvalidAccount)
	}
	role := domain.RoleAccountHolder
	if in.Role == domain.RoleAdmin {
		if actor == nil || !domain.Allow(*actor, domain.ActionCreateAdmin, "") {
			return nil, domain.ErrPermissionDenied
		}
		role = domain.RoleAdmin
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	acc := domain.Account{
		Phone:        in.Phone,
		Name:         in.Name,
		Email:        in.Email,
		Role:         role,
		Balance:      decimal.Zero,
		MaxDebit:     DefaultMaxDebit,
		PasswordHash: hash,
	}
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}

	s.toAdmins(ctx, domain.NotifyInsertedUser,
		domain.UserPayload{ID: acc.Phone, Name: acc.Name},
		fmt.Sprintf("User #%s (%s) has registered successfully!", acc.Phone, acc.Name))
	return s.accounts.GetAccount(ctx, acc.Phone)
}

func (s *AccountService) Get(ctx context.Context, actor domain.Actor, phone string) (*domain.Account, error) {
	if !domain.Allow(actor, domain.ActionViewAccount, phone) {
		return nil, domain.ErrPermissionDenied
	}
	return s.accounts.GetAccount(ctx, phone)
}

func (s *AccountService) List(ctx context.Context, actor domain.Actor) ([]domain.Account, error) {
	if !domain.Allow(actor, domain.ActionListAccounts, "") {
		return nil, domain.ErrPermissionDenied
	}
	return s.accounts.ListAccounts(ctx)
}

func (s *AccountService) Update(ctx context.Context, actor domain.Actor, phone string, patch AccountPatch) (*domain.Account, error) {
	if !domain.Allow(actor, domain.ActionUpdateAccount, phone) {
		return nil, domain.ErrPermissionDenied
	}
	acc, err := s.accounts.GetAccount(ctx, phone)
	if err != nil {
		return nil, err
	}

	next := domain.Account{Phone: phone, Name: acc.Name, Email: acc.Email}
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Email != nil {
		next.Email = *patch.Email
	}
	if patch.Password != nil {
		if next.PasswordHash, err = auth.HashPassword(*patch.Password); err != nil {
			return nil, err
		}
	}
	if err := s.accounts.UpdateAccount(ctx, next); err != nil {
		return nil, err
	}

	payload := domain.UserPayload{ID: phone, Name: next.Name}
	s.route(ctx, domain.Notification{
		Kind:    domain.NotifyUpdatedUser,
		Target:  phone,
		Payload: payload,
		Message: "Your user profile has been changed!",
	})
	s.toAdmins(ctx, domain.NotifyUpdatedUser, payload,
		fmt.Sprintf("User profile #%s (%s) has changed!", phone, next.Name), phone)
	return s.accounts.GetAccount(ctx, phone)
}

// Delete removes an account that no longer holds money.
func (s *AccountService) Delete(ctx context.Context, actor domain.Actor, phone string) error {
	if !domain.Allow(actor, domain.ActionDeleteAccount, phone) {
		return domain.ErrPermissionDenied
	}
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.accounts.GetAccount(ctx, phone)
		if err != nil {
			return err
		}
		if !acc.Balance.IsZero() {
			return fmt.Errorf("%w: %s", domain.ErrBalanceNotZero, acc.Balance)
		}
		return s.accounts.DeleteAccount(ctx, phone)
	})
	if err != nil {
		return err
	}

	s.toAdmins(ctx, domain.NotifyDeletedUser, phone,
		fmt.Sprintf("User #%s profile has been deleted!", phone), phone)
	return nil
}

// ChangeStatus blocks or unblocks an account. A blocked account is told so
// and its live sessions end.
func (s *AccountService) ChangeStatus(ctx context.Context, actor domain.Actor, phone string, blocked bool) (*domain.Account, error) {
	if !domain.Allow(actor, domain.ActionChangeStatus, phone) {
		return nil, domain.ErrPermissionDenied
	}
	if err := s.accounts.SetBlocked(ctx, phone, blocked); err != nil {
		return nil, err
	}

	status, word := 0, "unblocked"
	if blocked {
		status, word = 1, "blocked"
		s.route(ctx, domain.Notification{
			Kind:    domain.NotifyBlocked,
			Target:  phone,
			Payload: domain.BlockedPayload{User: phone},
			Message: fmt.Sprintf("Your vcard (%s) has been blocked", phone),
		})
	}
	s.toAdmins(ctx, domain.NotifyChangedStatus,
		domain.ChangedStatusPayload{User: phone, Status: status},
		fmt.Sprintf("User #%s has changed status to %s successfully!", phone, word))
	return s.accounts.GetAccount(ctx, phone)
}

func (s *AccountService) toAdmins(ctx context.Context, kind domain.NotificationKind, payload any, message string, skip ...string) {
	admins, err := s.accounts.ListAdmins(ctx)
	if err != nil {
		log.WithError(err).WithField("kind", kind).Error("cannot list admins for broadcast")
		return
	}
	for _, a := range admins {
		if contains(skip, a) {
			continue
		}
		s.route(ctx, domain.Notification{Kind: kind, Target: a, Payload: payload, Message: message})
	}
}

func (s *AccountService) route(ctx context.Context, n domain.Notification) {
	if err := s.notifier.Route(context.WithoutCancel(ctx), n); err != nil {
		log.WithFields(log.Fields{"account": n.Target, "kind": n.Kind}).WithError(err).Error("lifecycle notification lost")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

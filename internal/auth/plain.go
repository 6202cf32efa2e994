package auth

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"fernwiki/app/internal/wiki"
)

// UserRecord is one account in the plain user store.
type UserRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Login     string `gorm:"uniqueIndex;not null"`
	Hash      string
	Name      string
	Mail      string
	Groups    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Plain is a database-backed authorization backend with a flat permission
// policy: anonymous callers get the public level, known users the member
// level, and members of the admin group everything.
type Plain struct {
	db          *gorm.DB
	adminGroup  string
	publicLevel wiki.Level
	memberLevel wiki.Level
	logger      *logrus.Logger
}

var _ wiki.Authorizer = (*Plain)(nil)

// PlainOptions configures the plain authorization backend.
type PlainOptions struct {
	DB          *gorm.DB
	AdminGroup  string
	PublicLevel wiki.Level
	MemberLevel wiki.Level
	Logger      *logrus.Logger
}

// NewPlain constructs the plain authorization backend.
func NewPlain(opts PlainOptions) (*Plain, error) {
	if opts.DB == nil {
		return nil, eris.New("gorm DB is required")
	}
	if opts.AdminGroup == "" {
		opts.AdminGroup = "admin"
	}
	if opts.PublicLevel == 0 {
		opts.PublicLevel = wiki.LevelRead
	}
	if opts.MemberLevel == 0 {
		opts.MemberLevel = wiki.LevelDelete
	}

	return &Plain{
		db:          opts.DB,
		adminGroup:  opts.AdminGroup,
		publicLevel: opts.PublicLevel,
		memberLevel: opts.MemberLevel,
		logger:      opts.Logger,
	}, nil
}

// Migrate applies the user store schema.
func Migrate(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	if db == nil {
		return eris.New("gorm DB is required")
	}

	if err := db.WithContext(ctx).AutoMigrate(&UserRecord{}); err != nil {
		if logger != nil {
			logger.WithField("error", err.Error()).Error("user store migration failed")
		}
		return eris.Wrap(err, "auto migrating user store schema")
	}

	return nil
}

func (p *Plain) Level(ctx context.Context, caller wiki.Caller, id string) (wiki.Level, error) {
	if p.isAdminGroups(caller.Groups) {
		return wiki.LevelAdmin, nil
	}
	if caller.Authenticated() {
		return p.memberLevel, nil
	}
	return p.publicLevel, nil
}

func (p *Plain) LevelFor(ctx context.Context, id, user string, groups []string) (wiki.Level, error) {
	if p.isAdminGroups(groups) {
		return wiki.LevelAdmin, nil
	}
	if strings.TrimSpace(user) == "" {
		return p.publicLevel, nil
	}

	_, found, err := p.findUser(ctx, user)
	if err != nil {
		return wiki.LevelNone, err
	}
	if !found && len(groups) == 0 {
		return p.publicLevel, nil
	}
	return p.memberLevel, nil
}

func (p *Plain) IsAdmin(ctx context.Context, caller wiki.Caller) (bool, error) {
	return p.isAdminGroups(caller.Groups), nil
}

func (p *Plain) Supports(capability wiki.Capability) bool {
	switch capability {
	case wiki.CapUserCreate, wiki.CapUserDelete:
		return true
	default:
		return false
	}
}

func (p *Plain) CreateUser(ctx context.Context, user wiki.NewUser) (bool, error) {
	_, exists, err := p.findUser(ctx, user.Login)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return false, eris.Wrap(err, "hashing password")
	}

	record := UserRecord{
		Login:  user.Login,
		Hash:   string(hash),
		Name:   user.Name,
		Mail:   user.Mail,
		Groups: strings.Join(user.Groups, ","),
	}
	if err := p.db.WithContext(ctx).Create(&record).Error; err != nil {
		p.logError(logrus.Fields{"login": user.Login}, err, "creating user record")
		return false, eris.Wrapf(err, "creating user %s", user.Login)
	}

	return true, nil
}

func (p *Plain) DeleteUsers(ctx context.Context, names []string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}

	result := p.db.WithContext(ctx).Where("login IN ?", names).Delete(&UserRecord{})
	if result.Error != nil {
		p.logError(logrus.Fields{"count": len(names)}, result.Error, "deleting user records")
		return false, eris.Wrap(result.Error, "deleting users")
	}

	return result.RowsAffected == int64(len(names)), nil
}

func (p *Plain) UserGroups(ctx context.Context, user string) ([]string, bool, error) {
	record, found, err := p.findUser(ctx, user)
	if err != nil || !found {
		return nil, found, err
	}

	if record.Groups == "" {
		return []string{}, true, nil
	}
	return strings.Split(record.Groups, ","), true, nil
}

// VerifyPassword checks a login/password pair against the stored hash.
func (p *Plain) VerifyPassword(ctx context.Context, login, password string) (bool, error) {
	record, found, err := p.findUser(ctx, login)
	if err != nil || !found {
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.Hash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Plain) findUser(ctx context.Context, login string) (*UserRecord, bool, error) {
	var record UserRecord
	err := p.db.WithContext(ctx).First(&record, "login = ?", login).Error
	if err != nil {
		if eris.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		p.logError(logrus.Fields{"login": login}, err, "fetching user record")
		return nil, false, eris.Wrapf(err, "fetching user %s", login)
	}
	return &record, true, nil
}

func (p *Plain) isAdminGroups(groups []string) bool {
	for _, group := range groups {
		if strings.EqualFold(strings.TrimSpace(group), p.adminGroup) {
			return true
		}
	}
	return false
}

func (p *Plain) logError(fields logrus.Fields, err error, message string) {
	if p.logger == nil {
		return
	}

	entry := p.logger.WithField("error", err.Error())
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)
}

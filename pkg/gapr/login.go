package gapr

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Account is one entry of the account file. Password holds a bcrypt hash.
type Account struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Tier     Tier   `yaml:"tier"`
	Gecos    string `yaml:"gecos"`
}

type accountFile struct {
	Accounts []Account `yaml:"accounts"`
}

// Accounts is a read-mostly account table.
type Accounts struct {
	mu     sync.RWMutex
	byName map[string]Account
}

// ParseAccounts decodes an account file.
func ParseAccounts(data []byte) (*Accounts, error) {
	var f accountFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("gapr: parse accounts: %w", err)
	}
	a := &Accounts{byName: make(map[string]Account, len(f.Accounts))}
	for _, acct := range f.Accounts {
		if acct.Name == "" || strings.ContainsAny(acct.Name, ": \n") {
			return nil, fmt.Errorf("gapr: invalid account name %q", acct.Name)
		}
		if _, dup := a.byName[acct.Name]; dup {
			return nil, fmt.Errorf("gapr: duplicate account %q", acct.Name)
		}
		a.byName[acct.Name] = acct
	}
	return a, nil
}

// LoadAccounts reads an account file.
func LoadAccounts(path string) (*Accounts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAccounts(data)
}

// Replace swaps in the accounts of other, for reloads.
func (a *Accounts) Replace(other *Accounts) {
	other.mu.RLock()
	byName := other.byName
	other.mu.RUnlock()
	a.mu.Lock()
	a.byName = byName
	a.mu.Unlock()
}

// Len returns the number of accounts.
func (a *Accounts) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byName)
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// Verify checks a password. Unknown users cost a hash comparison too.
func (a *Accounts) Verify(name, password string) (Account, bool) {
	a.mu.RLock()
	acct, ok := a.byName[name]
	a.mu.RUnlock()
	if !ok {
		dummyOnce.Do(func() {
			dummyHash, _ = bcrypt.GenerateFromPassword([]byte("gapr"), bcrypt.DefaultCost)
		})
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Account{}, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.Password), []byte(password)); err != nil {
		return Account{}, false
	}
	return acct, true
}

// HashPassword returns the bcrypt hash stored in account files.
func HashPassword(password string) (string, error) {
	if len(password) < 3 {
		return "", errors.New("gapr: password too short")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Login handles "LOGIN user:password". On success the session takes the
// account's identity and the reply is "OK tier:gecos".
func Login(accounts *Accounts) Handler {
	return HandlerFunc(func(ctx *Context) error {
		args := ctx.Args()
		i := strings.IndexByte(args, ':')
		if args == "" || i < 0 {
			return NewReplyError(StatusErr, "need USERNAME:PASSWORD")
		}
		name, password := args[:i], args[i+1:]
		acct, ok := accounts.Verify(name, password)
		if !ok {
			ctx.Logger().Info("authentication failure", zap.String("user", name))
			return NewReplyError(StatusNo, "Authentication failure.")
		}
		sess := ctx.Session()
		sess.User = acct.Name
		sess.Tier = acct.Tier
		sess.Gecos = acct.Gecos
		return ctx.OK(uint(acct.Tier), acct.Gecos)
	})
}

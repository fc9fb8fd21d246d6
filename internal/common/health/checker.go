package health

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type Checker interface {
	Check() error
}

type MultiChecker struct {
	mu       sync.Mutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

func (mc *MultiChecker) Check() error {
	mc.mu.Lock()
	checkers := append([]Checker{}, mc.checkers...)
	mc.mu.Unlock()

	var errorStrings []string
	for _, checker := range checkers {
		if err := checker.Check(); err != nil {
			errorStrings = append(errorStrings, err.Error())
		}
	}
	if len(errorStrings) == 0 {
		return nil
	}
	return errors.New(strings.Join(errorStrings, "\n"))
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, checker)
}

// StartupCompleteChecker fails until MarkComplete is called.
type StartupCompleteChecker struct {
	mu       sync.Mutex
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return nil
	}
	return errors.New("startup is not complete")
}

// FuncChecker adapts a function to a Checker.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}

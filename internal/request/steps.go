// Package request builds structured service requests step by step and hands
// the finished payload to the downstream queue. The flow is an explicit
// typed graph: every step validates its own input and names its successor,
// so a branch is visible in code rather than buried in handler state.
package request

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Direction string

const (
	DirectionPartner Direction = "partner"
	DirectionPrivate Direction = "private"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionPayout Action = "payout"
)

// Application is the payload published to the processing queue once the
// flow is confirmed.
type Application struct {
	ID          string    `json:"id"`
	Direction   Direction `json:"direction"`
	LastName    string    `json:"last_name"`
	FirstName   string    `json:"first_name"`
	Patronymic  string    `json:"patronymic,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	City        string    `json:"city"`
	Action      Action    `json:"action"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Percent     float64   `json:"percent,omitempty"`
	ClientCode  string    `json:"client_code,omitempty"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a Application) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request %s\n", a.ID)
	fmt.Fprintf(&b, "%s %s %s\n", a.LastName, a.FirstName, a.Patronymic)
	fmt.Fprintf(&b, "%s, %s\n", a.City, a.ScheduledAt.Format("02.01.2006 15:04"))
	fmt.Fprintf(&b, "%s %.2f %s", a.Action, a.Amount, a.Currency)
	if a.Direction == DirectionPartner {
		fmt.Fprintf(&b, ", %.1f%%", a.Percent)
	}
	if a.ClientCode != "" {
		fmt.Fprintf(&b, "\nClient: %s", a.ClientCode)
	}
	return b.String()
}

type StepID string

const (
	StepDirection  StepID = "direction"
	StepLastName   StepID = "last_name"
	StepFirstName  StepID = "first_name"
	StepPatronymic StepID = "patronymic"
	StepDateTime   StepID = "datetime"
	StepCity       StepID = "city"
	StepAction     StepID = "action"
	StepAmount     StepID = "amount"
	StepCurrency   StepID = "currency"
	StepPercent    StepID = "percent"
	StepClientCode StepID = "client_code"
	StepConfirm    StepID = "confirm"
	StepDone       StepID = ""
)

const scheduleLayout = "02.01.2006 15:04"

type Step struct {
	ID     StepID
	Prompt string
	Apply  func(app *Application, input string) error
	Next   func(app Application) StepID
}

func next(id StepID) func(Application) StepID {
	return func(Application) StepID { return id }
}

// Graph returns the full step graph keyed by step id. The entry point is
// StepDirection; the flow ends when a step's successor is StepDone.
func Graph() map[StepID]Step {
	return map[StepID]Step{
		StepDirection: {
			ID:     StepDirection,
			Prompt: "Deal direction: partner or private?",
			Apply: func(app *Application, input string) error {
				switch Direction(strings.ToLower(strings.TrimSpace(input))) {
				case DirectionPartner:
					app.Direction = DirectionPartner
				case DirectionPrivate:
					app.Direction = DirectionPrivate
				default:
					return fmt.Errorf("unknown direction %q", input)
				}
				return nil
			},
			Next: next(StepLastName),
		},
		StepLastName: {
			ID:     StepLastName,
			Prompt: "Client last name:",
			Apply:  requiredText(func(app *Application, v string) { app.LastName = v }),
			Next:   next(StepFirstName),
		},
		StepFirstName: {
			ID:     StepFirstName,
			Prompt: "Client first name:",
			Apply:  requiredText(func(app *Application, v string) { app.FirstName = v }),
			Next:   next(StepPatronymic),
		},
		StepPatronymic: {
			ID:     StepPatronymic,
			Prompt: "Patronymic (\"-\" if none):",
			Apply: func(app *Application, input string) error {
				v := strings.TrimSpace(input)
				if v != "-" {
					app.Patronymic = v
				}
				return nil
			},
			Next: next(StepDateTime),
		},
		StepDateTime: {
			ID:     StepDateTime,
			Prompt: "Date and time (dd.mm.yyyy hh:mm):",
			Apply: func(app *Application, input string) error {
				at, err := time.Parse(scheduleLayout, strings.TrimSpace(input))
				if err != nil {
					return fmt.Errorf("bad date/time, expected dd.mm.yyyy hh:mm")
				}
				app.ScheduledAt = at
				return nil
			},
			Next: next(StepCity),
		},
		StepCity: {
			ID:     StepCity,
			Prompt: "City:",
			Apply:  requiredText(func(app *Application, v string) { app.City = v }),
			Next:   next(StepAction),
		},
		StepAction: {
			ID:     StepAction,
			Prompt: "Action: accept or payout?",
			Apply: func(app *Application, input string) error {
				switch Action(strings.ToLower(strings.TrimSpace(input))) {
				case ActionAccept:
					app.Action = ActionAccept
				case ActionPayout:
					app.Action = ActionPayout
				default:
					return fmt.Errorf("unknown action %q", input)
				}
				return nil
			},
			Next: next(StepAmount),
		},
		StepAmount: {
			ID:     StepAmount,
			Prompt: "Amount:",
			Apply: func(app *Application, input string) error {
				v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(input), ",", "."), 64)
				if err != nil || v <= 0 {
					return errors.New("amount must be a positive number")
				}
				app.Amount = v
				return nil
			},
			Next: next(StepCurrency),
		},
		StepCurrency: {
			ID:     StepCurrency,
			Prompt: "Currency:",
			Apply: func(app *Application, input string) error {
				v := strings.ToUpper(strings.TrimSpace(input))
				if v == "" {
					return errors.New("currency is required")
				}
				app.Currency = v
				return nil
			},
			// Partner deals carry a negotiated percent; private ones skip it.
			Next: func(app Application) StepID {
				if app.Direction == DirectionPartner {
					return StepPercent
				}
				return StepClientCode
			},
		},
		StepPercent: {
			ID:     StepPercent,
			Prompt: "Partner percent:",
			Apply: func(app *Application, input string) error {
				v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(input), ",", "."), 64)
				if err != nil || v < 0 || v > 100 {
					return errors.New("percent must be between 0 and 100")
				}
				app.Percent = v
				return nil
			},
			Next: next(StepClientCode),
		},
		StepClientCode: {
			ID:     StepClientCode,
			Prompt: "Client code (\"-\" to skip):",
			Apply: func(app *Application, input string) error {
				v := strings.TrimSpace(input)
				if v != "-" {
					app.ClientCode = v
				}
				return nil
			},
			Next: next(StepConfirm),
		},
		StepConfirm: {
			ID:     StepConfirm,
			Prompt: "Submit the request? (yes/no)",
			Apply: func(app *Application, input string) error {
				if strings.ToLower(strings.TrimSpace(input)) != "yes" {
					return errors.New("not confirmed")
				}
				return nil
			},
			Next: next(StepDone),
		},
	}
}

func requiredText(set func(*Application, string)) func(*Application, string) error {
	return func(app *Application, input string) error {
		v := strings.TrimSpace(input)
		if v == "" {
			return errors.New("value is required")
		}
		set(app, v)
		return nil
	}
}

// Session walks one application through the graph.
type Session struct {
	graph   map[StepID]Step
	current StepID
	app     Application
}

func NewSession(createdBy int64) *Session {
	return &Session{
		graph:   Graph(),
		current: StepDirection,
		app:     Application{CreatedBy: createdBy},
	}
}

func (s *Session) Current() Step {
	return s.graph[s.current]
}

func (s *Session) Done() bool {
	return s.current == StepDone
}

// Input feeds the answer for the current step. A validation error keeps the
// session on the same step; done reports whether the flow is complete.
func (s *Session) Input(text string) (done bool, err error) {
	if s.current == StepDone {
		return true, nil
	}
	step := s.graph[s.current]
	if err := step.Apply(&s.app, text); err != nil {
		return false, err
	}
	s.current = step.Next(s.app)
	return s.current == StepDone, nil
}

func (s *Session) Application() Application {
	return s.app
}

// Package statemachine holds the lookup tables that map cluster manager
// job outcomes onto operational states, and the states and actions each
// kind of record may take.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

var (
	ErrUnknownKind   = errors.New("unknown entity kind")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrUnknownStatus = errors.New("unknown job status")
)

// Class tells how an opcode affects the record it targets.
type Class int

const (
	// Query opcodes never change the operational state.
	Query Class = iota
	// Transition opcodes move a live record between states.
	Transition
	// Creative opcodes bring a record into existence on the backend.
	Creative
	// Destructive opcodes remove a record from the backend.
	Destructive
)

func (c Class) String() string {
	switch c {
	case Query:
		return "query"
	case Transition:
		return "transition"
	case Creative:
		return "creative"
	case Destructive:
		return "destructive"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

type entry struct {
	class Class
	// success is the state reached when the job succeeds, empty if unchanged.
	success models.State
}

var instanceTable = map[models.Opcode]entry{
	models.OpInstanceCreate:          {Creative, models.StateStarted},
	models.OpInstanceRemove:          {Destructive, models.StateDestroyed},
	models.OpInstanceStartup:         {Transition, models.StateStarted},
	models.OpInstanceShutdown:        {Transition, models.StateStopped},
	models.OpInstanceReboot:          {Transition, models.StateStarted},
	models.OpInstanceSetParams:       {Query, ""},
	models.OpInstanceQueryData:       {Query, ""},
	models.OpInstanceReinstall:       {Query, ""},
	models.OpInstanceActivateDisks:   {Query, ""},
	models.OpInstanceDeactivateDisks: {Query, ""},
	models.OpInstanceReplaceDisks:    {Query, ""},
	models.OpInstanceMigrate:         {Query, ""},
	models.OpInstanceConsole:         {Query, ""},
	models.OpInstanceRecreateDisks:   {Query, ""},
	models.OpInstanceFailover:        {Query, ""},
}

var networkTable = map[models.Opcode]entry{
	models.OpNetworkAdd:        {Creative, models.StatePending},
	models.OpNetworkConnect:    {Transition, models.StateActive},
	models.OpNetworkDisconnect: {Transition, models.StatePending},
	models.OpNetworkRemove:     {Destructive, models.StateDeleted},
	models.OpNetworkSetParams:  {Query, ""},
	models.OpNetworkQueryData:  {Query, ""},
}

var tables = map[models.Kind]map[models.Opcode]entry{
	models.KindVirtualMachine: instanceTable,
	models.KindNetwork:        networkTable,
	models.KindBackendNetwork: networkTable,
}

var states = map[models.Kind][]models.State{
	models.KindVirtualMachine: {
		models.StateBuild,
		models.StateStarted,
		models.StateStopped,
		models.StateError,
		models.StateDestroyed,
	},
	models.KindNetwork: {
		models.StatePending,
		models.StateActive,
		models.StateDeleted,
		models.StateError,
	},
	models.KindBackendNetwork: {
		models.StatePending,
		models.StateActive,
		models.StateDeleted,
		models.StateError,
	},
	models.KindPort: {
		models.StateBuild,
		models.StateActive,
		models.StateDown,
		models.StateError,
		models.StateDeleted,
	},
}

// actions lists, per kind and operational state, the actions a client may
// request. States missing from a kind's map accept no action.
var actions = map[models.Kind]map[models.State][]models.Action{
	models.KindVirtualMachine: {
		models.StateBuild:   {models.ActionDestroy},
		models.StateStarted: {models.ActionStop, models.ActionReboot, models.ActionSuspend, models.ActionDestroy},
		models.StateStopped: {models.ActionStart, models.ActionSuspend, models.ActionDestroy},
		models.StateError:   {models.ActionDestroy},
	},
	models.KindNetwork: {
		models.StatePending: {models.ActionDestroy},
		models.StateActive:  {models.ActionDestroy},
		models.StateError:   {models.ActionDestroy},
	},
}

// Lookup returns the class of an opcode for a kind of record.
func Lookup(kind models.Kind, opcode models.Opcode) (Class, error) {
	e, err := lookup(kind, opcode)
	if err != nil {
		return 0, err
	}

	return e.class, nil
}

// TargetState returns the operational state a record of the given kind
// reaches when a job with opcode finishes with status. changed is false
// when the state must be left untouched.
//
// A successful job moves the record to the state of the opcode's table
// entry. A failed creative or destructive job moves it to ERROR. Every
// other outcome, including in-flight statuses and failed transitions,
// leaves the state as is.
func TargetState(kind models.Kind, opcode models.Opcode, status models.JobStatus) (models.State, bool, error) {
	e, err := lookup(kind, opcode)
	if err != nil {
		return "", false, err
	}

	if !status.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}

	switch status {
	case models.JobSuccess:
		if e.success == "" {
			return "", false, nil
		}
		return e.success, true, nil
	case models.JobError:
		if e.class == Creative || e.class == Destructive {
			return models.StateError, true, nil
		}
	}

	return "", false, nil
}

func LegalStates(kind models.Kind) ([]models.State, error) {
	s, ok := states[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return append([]models.State(nil), s...), nil
}

// LegalActions returns every action a client may request on the kind.
func LegalActions(kind models.Kind) ([]models.Action, error) {
	if _, ok := states[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var all []models.Action
	for _, perState := range actions[kind] {
		all = append(all, perState...)
	}

	if kind == models.KindVirtualMachine || kind == models.KindNetwork {
		all = append(all, models.ActionCreate)
	}

	return lo.Uniq(all), nil
}

// ActionAllowed reports whether action may be requested on a record of the
// given kind in state.
func ActionAllowed(kind models.Kind, state models.State, action models.Action) bool {
	return lo.Contains(actions[kind][state], action)
}

// Validate checks that every opcode the cluster manager may report has a
// table entry and that every target state is legal for its kind. It is run
// once at startup.
func Validate() error {
	var err error

	check := func(kind models.Kind, opcodes []models.Opcode) {
		legal := states[kind]
		for _, opcode := range opcodes {
			e, lookupErr := lookup(kind, opcode)
			if lookupErr != nil {
				err = multierr.Append(err, lookupErr)
				continue
			}

			if e.success != "" && !lo.Contains(legal, e.success) {
				err = multierr.Append(err, fmt.Errorf("%s: opcode %s targets illegal state %s", kind, opcode, e.success))
			}
		}
	}

	check(models.KindVirtualMachine, models.InstanceOpcodes)
	check(models.KindNetwork, models.NetworkOpcodes)
	check(models.KindBackendNetwork, models.NetworkOpcodes)

	return err
}

func lookup(kind models.Kind, opcode models.Opcode) (entry, error) {
	table, ok := tables[kind]
	if !ok {
		return entry{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	e, ok := table[opcode]
	if !ok {
		return entry{}, fmt.Errorf("%w: %s for %s", ErrUnknownOpcode, opcode, kind)
	}

	return e, nil
}

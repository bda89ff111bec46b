package gateway

import (
	"context"
	"time"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/models"
	"github.com/openacd/agentcore/internal/session"
)

// apiFunc is one entry in the dispatch table requires: a
// known function name plus its arity, so a malformed request never
// reaches the session (`BAD_REQUEST` is returned straight from the
// gateway).
type apiFunc struct {
	arity   int
	handler func(d *Dispatcher, args []any) (any, *apierr.Error)
}

// TargetLookup resolves another login to a session.TargetHandle, used by
// agent_transfer and spy. Backed by the Agent Registry at wiring time.
type TargetLookup func(login string) (session.TargetHandle, bool)

// Dispatcher is the `{"function":...,"args":[...]}` request handler bound
// to one session. The Listener calls Call for every `/api` POST.
type Dispatcher struct {
	sess      *session.Session
	targets   TargetLookup
	stepUp    session.StepUpSecret
	functions map[string]apiFunc
}

// NewDispatcher builds the function table once per session; registry and
// step-up lookups are injected so this package never imports
// internal/registry or internal/authstore directly.
func NewDispatcher(sess *session.Session, targets TargetLookup, stepUp session.StepUpSecret) *Dispatcher {
	d := &Dispatcher{sess: sess, targets: targets, stepUp: stepUp}
	d.functions = map[string]apiFunc{
		"set_state":              {arity: 2, handler: (*Dispatcher).callSetState},
		"set_endpoint":           {arity: 1, handler: (*Dispatcher).callSetEndpoint},
		"change_profile":         {arity: 1, handler: (*Dispatcher).callChangeProfile},
		"dial":                   {arity: 1, handler: (*Dispatcher).callDial},
		"agent_transfer":         {arity: 1, handler: (*Dispatcher).callAgentTransfer},
		"queue_transfer":         {arity: 3, handler: (*Dispatcher).callQueueTransfer},
		"init_outbound":          {arity: 2, handler: (*Dispatcher).callInitOutbound},
		"warm_transfer":          {arity: 1, handler: (*Dispatcher).callWarmTransfer},
		"warm_transfer_complete": {arity: 0, handler: (*Dispatcher).callWarmTransferComplete},
		"warm_transfer_cancel":   {arity: 0, handler: (*Dispatcher).callWarmTransferCancel},
		"media_command":          {arity: 3, handler: (*Dispatcher).callMediaCommand},
		"media_hangup":           {arity: 0, handler: (*Dispatcher).callMediaHangup},
		"logout":                 {arity: 0, handler: (*Dispatcher).callLogout},
		"dump_state":             {arity: 0, handler: (*Dispatcher).callDumpState},
		"spy":                    {arity: 2, handler: (*Dispatcher).callSpy},
		"end_spy":                {arity: 0, handler: (*Dispatcher).callEndSpy},
	}
	return d
}

// Call implements request form: unknown function or wrong
// arity yields BAD_REQUEST without reaching the session.
func (d *Dispatcher) Call(ctx context.Context, function string, args []any) (any, *apierr.Error) {
	fn, ok := d.functions[function]
	if !ok {
		return nil, apierr.BadRequest("unknown function " + function)
	}
	if len(args) != fn.arity {
		return nil, apierr.BadRequest("wrong argument count for " + function)
	}
	return fn.handler(d, args)
}

func argString(args []any, i int) (string, bool) {
	s, ok := args[i].(string)
	return s, ok
}

func (d *Dispatcher) callSetState(args []any) (any, *apierr.Error) {
	kindStr, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("set_state requires a state name")
	}
	data, _ := args[1].(map[string]any)
	state := parseStateData(models.StateKind(kindStr), data)
	if err := d.sess.SetState(models.StateKind(kindStr), state); err != nil {
		return nil, err
	}
	return nil, nil
}

func parseStateData(kind models.StateKind, data map[string]any) models.State {
	if kind != models.StateReleased {
		return models.State{}
	}
	reason := models.Default()
	if idVal, ok := data["id"].(string); ok {
		label, _ := data["label"].(string)
		bias, _ := data["bias"].(float64)
		reason = models.ReleaseReason{ID: idVal, Label: label, Bias: models.ReleaseBias(int(bias))}
	}
	return models.State{Release: reason}
}

func (d *Dispatcher) callSetEndpoint(args []any) (any, *apierr.Error) {
	endpoint, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("set_endpoint requires a string endpoint")
	}
	return nil, d.sess.SetEndpoint(endpoint)
}

func (d *Dispatcher) callChangeProfile(args []any) (any, *apierr.Error) {
	profile, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("change_profile requires a string profile")
	}
	return nil, d.sess.ChangeProfile(profile)
}

func (d *Dispatcher) callDial(args []any) (any, *apierr.Error) {
	number, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("dial requires a string number")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return nil, d.sess.Dial(ctx, number)
}

func (d *Dispatcher) callAgentTransfer(args []any) (any, *apierr.Error) {
	target, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("agent_transfer requires a string login")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return nil, d.sess.AgentTransfer(ctx, target)
}

func (d *Dispatcher) callQueueTransfer(args []any) (any, *apierr.Error) {
	queue, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("queue_transfer requires a string queue name")
	}
	vars, _ := args[1].(map[string]any)
	skills := parseSkills(args[2])
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return nil, d.sess.QueueTransfer(ctx, queue, vars, skills)
}

func (d *Dispatcher) callInitOutbound(args []any) (any, *apierr.Error) {
	clientID, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("init_outbound requires a string client id")
	}
	mediaType, ok := argString(args, 1)
	if !ok {
		return nil, apierr.BadRequest("init_outbound requires a string media type")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var client *models.Client
	if clientID != "" {
		client = &models.Client{ID: clientID}
	}
	return nil, d.sess.InitOutbound(ctx, client, models.MediaType(mediaType))
}

// parseSkills decodes the JSON-transported skill list
// ([{"atom":"english"},{"atom":"_brand","value":"acme"}]) into the
// session's Skill slice, ignoring malformed entries rather than failing
// the whole request over one bad token.
func parseSkills(raw any) []models.Skill {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	skills := make([]models.Skill, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		atom, ok := m["atom"].(string)
		if !ok || atom == "" {
			continue
		}
		value, _ := m["value"].(string)
		skills = append(skills, models.Skill{Atom: atom, Value: value})
	}
	return skills
}

func (d *Dispatcher) callWarmTransfer(args []any) (any, *apierr.Error) {
	destination, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("warm_transfer requires a string destination")
	}
	return nil, d.sess.WarmTransfer(destination)
}

func (d *Dispatcher) callWarmTransferComplete(args []any) (any, *apierr.Error) {
	return nil, d.sess.WarmTransferComplete()
}

func (d *Dispatcher) callWarmTransferCancel(args []any) (any, *apierr.Error) {
	return nil, d.sess.WarmTransferCancel()
}

func (d *Dispatcher) callMediaCommand(args []any) (any, *apierr.Error) {
	name, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("media_command requires a string name")
	}
	modeStr, ok := argString(args, 1)
	if !ok {
		return nil, apierr.BadRequest("media_command requires a string mode")
	}
	mode := session.ModeCall
	if modeStr == "cast" {
		mode = session.ModeCast
	}
	margs, _ := args[2].(map[string]any)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.sess.MediaCommand(ctx, name, mode, margs)
}

func (d *Dispatcher) callMediaHangup(args []any) (any, *apierr.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return nil, d.sess.MediaHangup(ctx)
}

func (d *Dispatcher) callLogout(args []any) (any, *apierr.Error) {
	d.sess.Logout()
	return nil, nil
}

func (d *Dispatcher) callDumpState(args []any) (any, *apierr.Error) {
	state := d.sess.DumpState()
	return map[string]any{
		"state":     string(state.Kind),
		"statedata": models.StateData(state),
	}, nil
}

func (d *Dispatcher) callSpy(args []any) (any, *apierr.Error) {
	targetLogin, ok := argString(args, 0)
	if !ok {
		return nil, apierr.BadRequest("spy requires a string login")
	}
	code, ok := argString(args, 1)
	if !ok {
		return nil, apierr.BadRequest("spy requires a string TOTP code")
	}
	if d.targets == nil {
		return nil, apierr.AgentNoExists(targetLogin)
	}
	target, found := d.targets(targetLogin)
	if !found {
		return nil, apierr.AgentNoExists(targetLogin)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return nil, d.sess.Spy(ctx, target, code, d.stepUp)
}

func (d *Dispatcher) callEndSpy(args []any) (any, *apierr.Error) {
	return nil, d.sess.EndSpy()
}

// Package dynamotest provides an in-memory DynamoDB fake for unit tests.
//
// It understands the small expression dialect used by the stores in this
// repository: SET/ADD/REMOVE updates, equality and existence conditions
// joined by AND, and key conditions of the form "pk = :v" optionally
// followed by "AND begins_with(sk, :p)" or "AND sk = :v".
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key names the partition and optional sort attribute of a table or index.
type Key struct {
	Partition string
	Sort      string
}

// Table describes a table's primary key and global secondary indexes.
type Table struct {
	Key     Key
	Indexes map[string]Key
}

type item = map[string]types.AttributeValue

// Fake is a concurrency-safe in-memory DynamoDB.
type Fake struct {
	mu      sync.Mutex
	schemas map[string]Table
	tables  map[string]map[string]item
	faults  map[string]error
	calls   map[string]int
}

// New returns an empty Fake with no tables.
func New() *Fake {
	return &Fake{
		schemas: map[string]Table{},
		tables:  map[string]map[string]item{},
		faults:  map[string]error{},
		calls:   map[string]int{},
	}
}

// CreateTable registers a table schema.
func (f *Fake) CreateTable(name string, t Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[name] = t
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = map[string]item{}
	}
}

// Inject makes every subsequent op against table fail with err until Clear.
// An empty table matches every table.
func (f *Fake) Inject(op, table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op+"/"+table] = err
}

// Clear removes all injected faults.
func (f *Fake) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = map[string]error{}
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Seed stores it directly, bypassing conditions.
func (f *Fake) Seed(table string, it map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	schema := f.schemas[table]
	f.tables[table][compositeKey(schema.Key, it)] = clone(it)
}

// Items returns a snapshot of every item stored in table.
func (f *Fake) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]item, 0, len(f.tables[table]))
	for _, it := range f.tables[table] {
		out = append(out, clone(it))
	}
	return out
}

func (f *Fake) fault(op, table string) error {
	if err, ok := f.faults[op+"/"+table]; ok {
		return err
	}
	if err, ok := f.faults[op+"/"]; ok {
		return err
	}
	return nil
}

func (f *Fake) schema(table string) (Table, error) {
	s, ok := f.schemas[table]
	if !ok {
		return Table{}, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
	}
	return s, nil
}

// PutItem implements aws.DynamoDBAPI.
func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := sdkaws.ToString(in.TableName)
	f.calls["PutItem"]++
	if err := f.fault("PutItem", table); err != nil {
		return nil, err
	}
	schema, err := f.schema(table)
	if err != nil {
		return nil, err
	}
	key := compositeKey(schema.Key, in.Item)
	current := f.tables[table][key]
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), current, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	f.tables[table][key] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

// GetItem implements aws.DynamoDBAPI.
func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := sdkaws.ToString(in.TableName)
	f.calls["GetItem"]++
	if err := f.fault("GetItem", table); err != nil {
		return nil, err
	}
	schema, err := f.schema(table)
	if err != nil {
		return nil, err
	}
	it, ok := f.tables[table][compositeKey(schema.Key, in.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(it)}, nil
}

// UpdateItem implements aws.DynamoDBAPI. Missing items are created, as in
// DynamoDB, unless a condition prevents it.
func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := sdkaws.ToString(in.TableName)
	f.calls["UpdateItem"]++
	if err := f.fault("UpdateItem", table); err != nil {
		return nil, err
	}
	schema, err := f.schema(table)
	if err != nil {
		return nil, err
	}
	updated, err := f.prepareUpdate(table, schema, in.Key, sdkaws.ToString(in.UpdateExpression), sdkaws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	f.tables[table][compositeKey(schema.Key, in.Key)] = updated
	return &dyn.UpdateItemOutput{Attributes: clone(updated)}, nil
}

func (f *Fake) prepareUpdate(table string, schema Table, key item, updateExpr, condExpr string, names map[string]string, values item) (item, error) {
	current := f.tables[table][compositeKey(schema.Key, key)]
	ok, err := evalCondition(condExpr, current, names, values)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	if err := applyUpdate(next, updateExpr, names, values); err != nil {
		return nil, err
	}
	return next, nil
}

// Query implements aws.DynamoDBAPI.
func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := sdkaws.ToString(in.TableName)
	f.calls["Query"]++
	if err := f.fault("Query", table); err != nil {
		return nil, err
	}
	schema, err := f.schema(table)
	if err != nil {
		return nil, err
	}
	key := schema.Key
	if in.IndexName != nil {
		idx, ok := schema.Indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %s on %s", *in.IndexName, table)
		}
		key = idx
	}

	match, err := keyMatcher(sdkaws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	var out []item
	for _, it := range f.tables[table] {
		if _, ok := it[key.Partition]; !ok {
			continue
		}
		if match(it) {
			out = append(out, clone(it))
		}
	}

	// table key order first so pages are stable when the index has no sort key
	sort.Slice(out, func(i, j int) bool {
		return compositeKey(schema.Key, out[i]) < compositeKey(schema.Key, out[j])
	})
	if key.Sort != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return less(out[i][key.Sort], out[j][key.Sort])
		})
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if start := in.ExclusiveStartKey; len(start) > 0 {
		rest := out[:0:0]
		for i, it := range out {
			if matchesKey(it, start) {
				rest = out[i+1:]
				break
			}
		}
		out = rest
	}
	var last item
	if in.Limit != nil && int(*in.Limit) < len(out) {
		out = out[:*in.Limit]
		last = keyOf(out[len(out)-1], schema.Key, key)
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out)), LastEvaluatedKey: last}, nil
}

func matchesKey(it, k item) bool {
	for name, v := range k {
		if !equal(it[name], v) {
			return false
		}
	}
	return true
}

// keyOf projects it onto the table key and, for index queries, the index
// key, the way DynamoDB builds LastEvaluatedKey.
func keyOf(it item, keys ...Key) item {
	out := item{}
	for _, k := range keys {
		for _, name := range []string{k.Partition, k.Sort} {
			if name != "" {
				out[name] = it[name]
			}
		}
	}
	return out
}

// TransactWriteItems implements aws.DynamoDBAPI with all-or-nothing
// semantics: every condition is checked before anything is written.
func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactWriteItems"]++

	type write struct {
		table string
		key   string
		value item
	}
	writes := make([]write, 0, len(in.TransactItems))
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		switch {
		case ti.Put != nil:
			table := sdkaws.ToString(ti.Put.TableName)
			if err := f.fault("TransactWriteItems", table); err != nil {
				return nil, err
			}
			schema, err := f.schema(table)
			if err != nil {
				return nil, err
			}
			key := compositeKey(schema.Key, ti.Put.Item)
			ok, err := evalCondition(sdkaws.ToString(ti.Put.ConditionExpression), f.tables[table][key], ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i].Code = sdkaws.String("ConditionalCheckFailed")
				failed = true
				continue
			}
			writes = append(writes, write{table: table, key: key, value: clone(ti.Put.Item)})
		case ti.Update != nil:
			table := sdkaws.ToString(ti.Update.TableName)
			if err := f.fault("TransactWriteItems", table); err != nil {
				return nil, err
			}
			schema, err := f.schema(table)
			if err != nil {
				return nil, err
			}
			next, err := f.prepareUpdate(table, schema, ti.Update.Key, sdkaws.ToString(ti.Update.UpdateExpression), sdkaws.ToString(ti.Update.ConditionExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			if err != nil {
				var ccf *types.ConditionalCheckFailedException
				if errors.As(err, &ccf) {
					reasons[i].Code = sdkaws.String("ConditionalCheckFailed")
					failed = true
					continue
				}
				return nil, err
			}
			writes = append(writes, write{table: table, key: compositeKey(schema.Key, ti.Update.Key), value: next})
		default:
			return nil, errors.New("dynamotest: only Put and Update are supported in transactions")
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		f.tables[w.table][w.key] = w.value
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func compositeKey(k Key, it item) string {
	pk := scalar(it[k.Partition])
	if k.Sort == "" {
		return pk
	}
	return pk + "\x00" + scalar(it[k.Sort])
}

func scalar(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(v.Value)
	default:
		return ""
	}
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func equal(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return false
	}
	_, an := a.(*types.AttributeValueMemberN)
	_, bn := b.(*types.AttributeValueMemberN)
	if an && bn {
		return compareNumbers(scalar(a), scalar(b)) == 0
	}
	return scalar(a) == scalar(b)
}

func less(a, b types.AttributeValue) bool {
	_, an := a.(*types.AttributeValueMemberN)
	_, bn := b.(*types.AttributeValueMemberN)
	if an && bn {
		return compareNumbers(scalar(a), scalar(b)) < 0
	}
	return scalar(a) < scalar(b)
}

func compareNumbers(a, b string) int {
	fa, _ := strconv.ParseFloat(a, 64)
	fb, _ := strconv.ParseFloat(b, 64)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

var (
	existsRe    = regexp.MustCompile(`^attribute_(not_)?exists\(\s*([#\w]+)\s*\)$`)
	compareRe   = regexp.MustCompile(`^([#\w]+)\s*(=|<>|>=|<=|>|<)\s*(:\w+)$`)
	beginsRe    = regexp.MustCompile(`^begins_with\(\s*([#\w]+)\s*,\s*(:\w+)\s*\)$`)
	updateKwdRe = regexp.MustCompile(`\b(SET|ADD|REMOVE)\s`)
)

func evalCondition(expr string, current item, names map[string]string, values item) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, part := range strings.Split(expr, " AND ") {
		ok, err := evalTerm(strings.TrimSpace(part), current, names, values)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalTerm(term string, current item, names map[string]string, values item) (bool, error) {
	if m := existsRe.FindStringSubmatch(term); m != nil {
		_, present := current[resolve(m[2], names)]
		if m[1] == "not_" {
			return !present, nil
		}
		return present, nil
	}
	if m := compareRe.FindStringSubmatch(term); m != nil {
		got, ok := current[resolve(m[1], names)]
		want, wok := values[m[3]]
		if !wok {
			return false, fmt.Errorf("dynamotest: missing value %s", m[3])
		}
		if !ok {
			return m[2] == "<>", nil
		}
		switch m[2] {
		case "=":
			return equal(got, want), nil
		case "<>":
			return !equal(got, want), nil
		case ">=":
			return !less(got, want), nil
		case "<=":
			return !less(want, got), nil
		case ">":
			return less(want, got), nil
		case "<":
			return less(got, want), nil
		}
	}
	if m := beginsRe.FindStringSubmatch(term); m != nil {
		got, ok := current[resolve(m[1], names)]
		want := values[m[2]]
		return ok && strings.HasPrefix(scalar(got), scalar(want)), nil
	}
	return false, fmt.Errorf("dynamotest: unsupported expression %q", term)
}

func keyMatcher(expr string, names map[string]string, values item) (func(item) bool, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("dynamotest: key condition required")
	}
	// validate once so malformed expressions fail loudly
	if _, err := evalCondition(expr, item{}, names, values); err != nil {
		return nil, err
	}
	return func(it item) bool {
		ok, _ := evalCondition(expr, it, names, values)
		return ok
	}, nil
}

func applyUpdate(it item, expr string, names map[string]string, values item) error {
	locs := updateKwdRe.FindAllStringSubmatchIndex(expr, -1)
	if len(locs) == 0 {
		return fmt.Errorf("dynamotest: unsupported update %q", expr)
	}
	for i, loc := range locs {
		kw := expr[loc[2]:loc[3]]
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		for _, action := range strings.Split(expr[loc[1]:end], ",") {
			action = strings.TrimSpace(action)
			if action == "" {
				continue
			}
			switch kw {
			case "SET":
				parts := strings.SplitN(action, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("dynamotest: bad SET action %q", action)
				}
				v, ok := values[strings.TrimSpace(parts[1])]
				if !ok {
					return fmt.Errorf("dynamotest: missing value in %q", action)
				}
				it[resolve(strings.TrimSpace(parts[0]), names)] = v
			case "ADD":
				fields := strings.Fields(action)
				if len(fields) != 2 {
					return fmt.Errorf("dynamotest: bad ADD action %q", action)
				}
				name := resolve(fields[0], names)
				delta, ok := values[fields[1]].(*types.AttributeValueMemberN)
				if !ok {
					return fmt.Errorf("dynamotest: ADD needs a number in %q", action)
				}
				base := "0"
				if cur, ok := it[name].(*types.AttributeValueMemberN); ok {
					base = cur.Value
				}
				it[name] = &types.AttributeValueMemberN{Value: addNumbers(base, delta.Value)}
			case "REMOVE":
				delete(it, resolve(action, names))
			}
		}
	}
	return nil
}

func addNumbers(a, b string) string {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return strconv.FormatInt(ai+bi, 10)
	}
	fa, _ := strconv.ParseFloat(a, 64)
	fb, _ := strconv.ParseFloat(b, 64)
	return strconv.FormatFloat(fa+fb, 'f', -1, 64)
}
